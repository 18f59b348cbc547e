package query

// MarginAccountResponse is the projected margin record. Ciphertexts and
// the nonce are hex; the ledger never holds the plaintext.
type MarginAccountResponse struct {
	Owner               string `json:"owner"`
	EncryptedCollateral string `json:"encrypted_collateral"`
	EncryptedDebt       string `json:"encrypted_debt"`
	Nonce               string `json:"nonce"`
	IsLiquidatable      bool   `json:"is_liquidatable"`
	ResetEpoch          int64  `json:"reset_epoch"`
	Version             int64  `json:"version"`
	PendingComputation  *int64 `json:"pending_computation,omitempty"`
	AsOfSequence        int64  `json:"as_of_sequence"`
}

type ComputationResponse struct {
	ID           int64    `json:"id"`
	Kind         string   `json:"kind"`
	Status       string   `json:"status"`
	Accounts     []string `json:"accounts"`
	Epochs       []int64  `json:"epochs"`
	IssuedAt     int64    `json:"issued_at"`
	LastSequence int64    `json:"last_sequence"`
}

type DepositResponse struct {
	TxID      string `json:"txid"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Sequence  int64  `json:"sequence"`
}

type TradeResponse struct {
	ComputationID int64  `json:"computation_id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Price         uint64 `json:"price"`
	Size          uint64 `json:"size"`
	Value         uint64 `json:"value"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
	Sequence      int64  `json:"sequence"`
}

// TradeFilter selects trades for ListTrades. Zero values mean no filter.
type TradeFilter struct {
	Account        string // either side
	Status         string
	BeforeSequence int64 // cursor: only trades with a lower sequence
	Limit          int
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
