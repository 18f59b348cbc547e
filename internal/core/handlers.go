package core

import (
	"context"
	"errors"
	"fmt"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/custody"
	"DarkLedger/internal/envelope"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
)

// result is what a handler changed.
type result struct {
	facts        []event.Fact
	batch        *custody.Batch
	accounts     []common.Address
	computations []uint64
	deposits     []common.Hash
	bridge       bool
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, ref custody.Ref) (*result, error) {
	switch e := evt.(type) {
	case *event.CreateAccount:
		return c.handleCreateAccount(e)
	case *event.DepositCollateral:
		return c.handleDepositCollateral(e, ref)
	case *event.WithdrawCollateral:
		return c.handleWithdrawCollateral(e, ref)
	case *event.QueueDeposit:
		return c.handleQueueCollateral(computation.KindDeposit, e.ComputationID, e.Owner, e.Amount, e.Timestamp())
	case *event.QueueWithdraw:
		return c.handleQueueCollateral(computation.KindWithdraw, e.ComputationID, e.Owner, e.Amount, e.Timestamp())
	case *event.QueueHealthCheck:
		return c.handleQueueHealthCheck(e)
	case *event.SubmitOrder:
		return c.handleSubmitOrder(e)
	case *event.SettleTrade:
		return c.handleSettleTrade(e)
	case *event.ComputationCallback:
		return c.handleCallback(e)
	case *event.Liquidate:
		return c.handleLiquidate(e, ref)
	case *event.MintDeposit:
		return c.handleMintDeposit(e, ref)
	case *event.RequestWithdrawal:
		return c.handleRequestWithdrawal(e, ref)
	case *event.RotateValidators:
		return c.handleRotateValidators(e)
	default:
		return nil, fmt.Errorf("%w: unknown event type %T", ledgererr.ErrInvalidArguments, evt)
	}
}

func (c *DeterministicCore) clusterContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.clusterTimeout)
}

func (c *DeterministicCore) handleCreateAccount(e *event.CreateAccount) (*result, error) {
	if _, err := c.ledger.Create(e.Owner); err != nil {
		return nil, err
	}
	return &result{
		facts:    []event.Fact{&event.AccountCreated{Owner: e.Owner, Timestamp: e.Timestamp()}},
		accounts: []common.Address{e.Owner},
	}, nil
}

// --- Escrow ---

func (c *DeterministicCore) handleDepositCollateral(e *event.DepositCollateral, ref custody.Ref) (*result, error) {
	if _, err := c.ledger.Read(e.Owner); err != nil {
		return nil, err
	}
	escrow := custody.EscrowKey(e.Owner, c.collateralAsset)
	batch, err := c.vault.Transfer(custody.WalletKey(e.Owner, c.collateralAsset), escrow, e.Amount, custody.JournalTypeEscrowDeposit, ref)
	if err != nil {
		return nil, err
	}
	return &result{
		facts: []event.Fact{&event.CollateralDeposited{
			Owner:     e.Owner,
			Amount:    e.Amount,
			Escrow:    c.vault.Balance(escrow),
			Timestamp: e.Timestamp(),
		}},
		batch: batch,
	}, nil
}

// handleWithdrawCollateral refuses while a computation is in flight or the
// account is flagged, so a withdrawal cannot race a health check.
func (c *DeterministicCore) handleWithdrawCollateral(e *event.WithdrawCollateral, ref custody.Ref) (*result, error) {
	acct, err := c.ledger.Read(e.Owner)
	if err != nil {
		return nil, err
	}
	if c.manager.HasPending(e.Owner) {
		return nil, fmt.Errorf("%w: %s", ledgererr.ErrAccountBusy, e.Owner.Hex())
	}
	if acct.IsLiquidatable {
		return nil, fmt.Errorf("%w: %s", ledgererr.ErrAccountLiquidatable, e.Owner.Hex())
	}
	escrow := custody.EscrowKey(e.Owner, c.collateralAsset)
	batch, err := c.vault.Transfer(escrow, custody.WalletKey(e.Owner, c.collateralAsset), e.Amount, custody.JournalTypeEscrowWithdraw, ref)
	if err != nil {
		return nil, err
	}
	return &result{
		facts: []event.Fact{&event.CollateralWithdrawn{
			Owner:     e.Owner,
			Amount:    e.Amount,
			Escrow:    c.vault.Balance(escrow),
			Timestamp: e.Timestamp(),
		}},
		batch: batch,
	}, nil
}

// --- Computations ---

func (c *DeterministicCore) queue(qr computation.QueueRequest) (*result, error) {
	ctx, cancel := c.clusterContext()
	defer cancel()

	req, err := c.manager.Queue(ctx, qr)
	if err != nil {
		return nil, err
	}
	return &result{
		facts:        []event.Fact{queuedFact(req)},
		computations: []uint64{req.ID},
	}, nil
}

func queuedFact(req computation.Request) *event.ComputationQueued {
	return &event.ComputationQueued{
		ID:        req.ID,
		Kind:      req.Kind,
		Accounts:  req.Accounts,
		Timestamp: req.IssuedAt,
	}
}

func (c *DeterministicCore) handleQueueCollateral(kind computation.Kind, id uint64, owner common.Address, amount uint64, ts int64) (*result, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: %s of zero", ledgererr.ErrInvalidAmount, kind)
	}
	acct, err := c.ledger.Read(owner)
	if err != nil {
		return nil, err
	}
	return c.queue(computation.QueueRequest{
		ID:       id,
		Kind:     kind,
		Accounts: []common.Address{owner},
		Arguments: []computation.Argument{
			computation.U128Arg(acct.Nonce),
			computation.EncU64Arg(acct.EncryptedCollateral),
			computation.U64Arg(amount),
		},
		IssuedAt: ts,
	})
}

func (c *DeterministicCore) handleQueueHealthCheck(e *event.QueueHealthCheck) (*result, error) {
	acct, err := c.ledger.Read(e.Owner)
	if err != nil {
		return nil, err
	}
	return c.queue(computation.QueueRequest{
		ID:       e.ComputationID,
		Kind:     computation.KindHealthCheck,
		Accounts: []common.Address{e.Owner},
		Arguments: []computation.Argument{
			computation.U128Arg(acct.Nonce),
			computation.EncU64Arg(acct.EncryptedCollateral),
			computation.EncU64Arg(acct.EncryptedDebt),
		},
		IssuedAt: e.Timestamp(),
	})
}

func (c *DeterministicCore) handleSubmitOrder(e *event.SubmitOrder) (*result, error) {
	if len(e.ClientPubKey) != 32 {
		return nil, fmt.Errorf("%w: client public key is %d bytes, want 32", ledgererr.ErrInvalidArguments, len(e.ClientPubKey))
	}
	var pub [32]byte
	copy(pub[:], e.ClientPubKey)
	return c.queue(computation.QueueRequest{
		ID:       e.ComputationID,
		Kind:     computation.KindOrderSubmit,
		Accounts: []common.Address{e.Owner},
		Arguments: []computation.Argument{
			computation.PubKeyArg(pub),
			computation.U128Arg(e.Nonce),
			computation.EncU64Arg(e.Size),
			computation.EncU64Arg(e.Price),
			computation.EncU8Arg(e.Side),
		},
		IssuedAt: e.Timestamp(),
	})
}

func (c *DeterministicCore) handleSettleTrade(e *event.SettleTrade) (*result, error) {
	ctx, cancel := c.clusterContext()
	defer cancel()

	req, fact, err := c.settlement.SettleTrade(ctx, settlement.Trade{
		ComputationID: e.ComputationID,
		Buyer:         e.Buyer,
		Seller:        e.Seller,
		Price:         e.Price,
		Size:          e.Size,
		Timestamp:     e.Timestamp(),
	})
	if err != nil {
		return nil, err
	}
	return &result{
		facts:        []event.Fact{queuedFact(req), fact},
		computations: []uint64{req.ID},
	}, nil
}

func (c *DeterministicCore) handleCallback(e *event.ComputationCallback) (*result, error) {
	cb := e.Callback
	out, err := c.manager.OnCallback(&cb)
	if err != nil && !errors.Is(err, ledgererr.ErrAbortedComputation) {
		return nil, err
	}

	req := out.Request
	ts := e.Timestamp()
	res := &result{
		accounts:     out.Touched,
		computations: []uint64{req.ID},
	}

	switch req.Status {
	case computation.StatusAborted:
		res.facts = append(res.facts, &event.ComputationAborted{ID: req.ID, Kind: req.Kind, Accounts: req.Accounts, Timestamp: ts})
		// the error travels with the result so the abort is still recorded
		return res, err
	case computation.StatusSuperseded:
		res.facts = append(res.facts, &event.ComputationSuperseded{ID: req.ID, Kind: req.Kind, Accounts: req.Accounts, Timestamp: ts})
		return res, nil
	}

	res.facts = append(res.facts, completedFact(req, out, ts))
	return res, nil
}

func completedFact(req computation.Request, out computation.Outcome, ts int64) event.Fact {
	flag := envelope.Ciphertext{}
	if out.SuccessFlag != nil {
		flag = *out.SuccessFlag
	}
	switch req.Kind {
	case computation.KindDeposit:
		return &event.DepositCompleted{
			ID: req.ID, Owner: req.Accounts[0],
			Collateral: out.Results[0], SuccessFlag: flag, Nonce: out.Nonces[0],
			Timestamp: ts,
		}
	case computation.KindWithdraw:
		return &event.WithdrawCompleted{
			ID: req.ID, Owner: req.Accounts[0],
			Collateral: out.Results[0], SuccessFlag: flag, Nonce: out.Nonces[0],
			Timestamp: ts,
		}
	case computation.KindSettleTrade:
		return &event.SettleCompleted{
			ID:               req.ID,
			Buyer:            req.Accounts[0],
			Seller:           req.Accounts[1],
			BuyerCollateral:  out.Results[0],
			SellerCollateral: out.Results[1],
			BuyerNonce:       out.Nonces[0],
			SellerNonce:      out.Nonces[1],
			SuccessFlag:      flag,
			Timestamp:        ts,
		}
	case computation.KindHealthCheck:
		return &event.HealthCheckResult{
			ID: req.ID, Owner: req.Accounts[0],
			Liquidatable: out.Liquidatable != nil && *out.Liquidatable,
			Timestamp:    ts,
		}
	default:
		return &event.OrderSubmitted{
			ID: req.ID, Owner: req.Accounts[0],
			Size: out.Results[0], Price: out.Results[1], Side: out.Results[2],
			Nonce:     out.Nonces[0],
			Timestamp: ts,
		}
	}
}

// --- Liquidation ---

func (c *DeterministicCore) handleLiquidate(e *event.Liquidate, ref custody.Ref) (*result, error) {
	fact, batch, err := c.liquidation.Liquidate(e.Owner, e.Liquidator, ref)
	if err != nil {
		return nil, err
	}
	return &result{
		facts:    []event.Fact{fact},
		batch:    batch,
		accounts: []common.Address{e.Owner},
	}, nil
}

// --- Bridge ---

func (c *DeterministicCore) handleMintDeposit(e *event.MintDeposit, ref custody.Ref) (*result, error) {
	sigs := make([][]byte, len(e.Signatures))
	for i, s := range e.Signatures {
		sigs[i] = s
	}
	fact, batch, err := c.gate.MintOnDeposit(e.TxID, e.Amount, e.Recipient, sigs, ref)
	if err != nil {
		return nil, err
	}
	return &result{
		facts:    []event.Fact{fact},
		batch:    batch,
		deposits: []common.Hash{e.TxID},
		bridge:   true,
	}, nil
}

func (c *DeterministicCore) handleRequestWithdrawal(e *event.RequestWithdrawal, ref custody.Ref) (*result, error) {
	fact, batch, err := c.gate.RequestWithdrawal(e.Owner, e.Amount, e.Address, ref)
	if err != nil {
		return nil, err
	}
	return &result{facts: []event.Fact{fact}, batch: batch}, nil
}

func (c *DeterministicCore) handleRotateValidators(e *event.RotateValidators) (*result, error) {
	fact, err := c.gate.RotateValidators(e.Validators, e.Signature, e.Timestamp())
	if err != nil {
		return nil, err
	}
	return &result{facts: []event.Fact{fact}, bridge: true}, nil
}
