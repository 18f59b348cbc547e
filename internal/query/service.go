package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"DarkLedger/internal/custody"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the projection has no such record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidQuery is returned for malformed query parameters.
	ErrInvalidQuery = errors.New("invalid query")
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

var now = time.Now

// QueryService provides read-only access to projection tables. Responses
// carry as_of_sequence so callers can tell how fresh they are.
type QueryService struct {
	db              *sql.DB
	collateralAsset custody.AssetID
	candidateLimit  int
	metrics         *observability.Metrics
}

func NewQueryService(db *sql.DB, collateralAsset custody.AssetID, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		db:              db,
		collateralAsset: collateralAsset,
		candidateLimit:  maxListLimit,
		metrics:         metrics,
	}
}

// GetMarginAccount returns the projected margin record of owner.
func (qs *QueryService) GetMarginAccount(ctx context.Context, owner common.Address) (resp *MarginAccountResponse, err error) {
	defer qs.observe("get_margin_account", now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var r MarginAccountResponse
	var pending sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT m.owner, m.encrypted_collateral, m.encrypted_debt, m.nonce,
		       m.is_liquidatable, m.reset_epoch, m.version,
		       (SELECT c.id FROM projections.computations c
		         WHERE c.status = 'pending' AND m.owner = ANY(c.accounts)
		         ORDER BY c.id LIMIT 1)
		FROM projections.margin_accounts m
		WHERE m.owner = $1
	`, owner.Hex()).Scan(
		&r.Owner, &r.EncryptedCollateral, &r.EncryptedDebt, &r.Nonce,
		&r.IsLiquidatable, &r.ResetEpoch, &r.Version, &pending,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledgererr.ErrAccountNotFound, owner.Hex())
	}
	if err != nil {
		return nil, err
	}
	if pending.Valid {
		r.PendingComputation = &pending.Int64
	}
	r.AsOfSequence = asOfSeq
	return &r, nil
}

// GetComputation returns one computation request by id.
func (qs *QueryService) GetComputation(ctx context.Context, id uint64) (resp *ComputationResponse, err error) {
	defer qs.observe("get_computation", now(), &err)

	var r ComputationResponse
	var accounts pq.StringArray
	var epochs pq.Int64Array
	err = qs.db.QueryRowContext(ctx, `
		SELECT id, kind, status, accounts, epochs, issued_at, last_sequence
		FROM projections.computations
		WHERE id = $1
	`, int64(id)).Scan(&r.ID, &r.Kind, &r.Status, &accounts, &epochs, &r.IssuedAt, &r.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: computation %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r.Accounts = []string(accounts)
	r.Epochs = []int64(epochs)
	return &r, nil
}

// GetProcessedDeposit looks a bridge deposit up in the durable replay guard.
func (qs *QueryService) GetProcessedDeposit(ctx context.Context, txid common.Hash) (resp *DepositResponse, err error) {
	defer qs.observe("get_processed_deposit", now(), &err)

	var recipient []byte
	r := DepositResponse{TxID: txid.Hex()}
	err = qs.db.QueryRowContext(ctx, `
		SELECT recipient, amount, timestamp, sequence
		FROM event_log.processed_deposits
		WHERE txid = $1
	`, txid.Bytes()).Scan(&recipient, &r.Amount, &r.Timestamp, &r.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit %s", ErrNotFound, txid.Hex())
	}
	if err != nil {
		return nil, err
	}
	r.Recipient = common.BytesToAddress(recipient).Hex()
	return &r, nil
}

// ListTrades returns trades newest first, paginated by sequence cursor.
func (qs *QueryService) ListTrades(ctx context.Context, f TradeFilter) (resp []TradeResponse, err error) {
	defer qs.observe("list_trades", now(), &err)

	query, args, err := buildTradeQuery(f)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		var t TradeResponse
		if err := rows.Scan(
			&t.ComputationID, &t.Buyer, &t.Seller, &t.Price, &t.Size,
			&t.Value, &t.Status, &t.Timestamp, &t.Sequence,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func buildTradeQuery(f TradeFilter) (string, []interface{}, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Account != "" {
		if !common.IsHexAddress(f.Account) {
			return "", nil, fmt.Errorf("%w: account %q", ErrInvalidQuery, f.Account)
		}
		p := arg(common.HexToAddress(f.Account).Hex())
		conds = append(conds, fmt.Sprintf("(buyer = %s OR seller = %s)", p, p))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(f.Status))
	}
	if f.BeforeSequence > 0 {
		conds = append(conds, "sequence < "+arg(f.BeforeSequence))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT computation_id, buyer, seller, price, size, value, status, timestamp, sequence FROM projections.trades`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sequence DESC LIMIT " + arg(limit)
	return query, args, nil
}

// ListHealthCheckCandidates returns owners whose escrow is funded, who are
// not flagged yet and have no computation in flight.
func (qs *QueryService) ListHealthCheckCandidates(ctx context.Context) (owners []common.Address, err error) {
	defer qs.observe("list_health_check_candidates", now(), &err)

	asset, _ := custody.GetAssetName(qs.collateralAsset)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT m.owner
		FROM projections.margin_accounts m
		JOIN projections.balances b
		  ON b.account_path = 'escrow:' || m.owner || ':' || $1 AND b.balance > 0
		WHERE m.is_liquidatable = FALSE
		  AND NOT EXISTS (
		      SELECT 1 FROM projections.computations c
		      WHERE c.status = 'pending' AND m.owner = ANY(c.accounts))
		ORDER BY m.last_sequence ASC
		LIMIT $2
	`, asset, qs.candidateLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, common.HexToAddress(owner))
	}
	return owners, rows.Err()
}

// GetJournalHistory returns journal entries touching holder, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence int64) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("get_journal_history", now(), &err)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	pattern := "%:" + holder.Hex() + ":%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{pattern}
	if beforeSequence > 0 {
		query += " AND sequence < $2 ORDER BY sequence DESC LIMIT $3"
		args = append(args, beforeSequence, limit)
	} else {
		query += " ORDER BY sequence DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that every asset's
// projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", now(), &err)

	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, errorCode(*errp)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidQuery):
		return "invalid_query"
	default:
		return ledgererr.Code(err)
	}
}
