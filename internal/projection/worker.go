package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"DarkLedger/internal/core"
	"DarkLedger/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; projections that fall
// behind are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			u := BuildUpdate(output)
			if u.Sequence <= pw.lastSeq {
				continue
			}
			if err := pw.apply(ctx, u); err != nil {
				// eventually consistent; RebuildBalances repairs balance gaps
				pw.logger.Warn().Err(err).Int64("sequence", u.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = u.Sequence
		}
	}
}

// LastSequence is the last sequence the worker handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		fn   func(context.Context, *sql.Tx, Update) error
	}{
		{"balances", applyBalances},
		{"margin_accounts", applyAccounts},
		{"computations", applyComputations},
		{"trades", applyTrades},
		{"liquidations", applyLiquidations},
		{"bridge_config", applyBridge},
	}
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(ctx, tx, u); err != nil {
			return fmt.Errorf("%s projection: %w", s.name, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyBalances(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
		`, b.AccountPath, int32(b.AssetID), b.Delta, u.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func applyAccounts(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, a := range u.Accounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.margin_accounts
				(owner, encrypted_collateral, encrypted_debt, nonce, is_liquidatable, reset_epoch, version, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (owner) DO UPDATE SET
				encrypted_collateral = $2, encrypted_debt = $3, nonce = $4,
				is_liquidatable = $5, reset_epoch = $6, version = $7, last_sequence = $8
		`, a.Owner, a.Collateral, a.Debt, a.Nonce, a.Liquidatable, int64(a.ResetEpoch), int64(a.Version), u.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func applyComputations(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, c := range u.Computations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.computations (id, kind, status, accounts, epochs, issued_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET status = $3, last_sequence = $7
		`, int64(c.ID), c.Kind, c.Status, pq.Array(c.Accounts), pq.Array(c.Epochs), c.IssuedAt, u.Sequence); err != nil {
			return err
		}
	}
	return nil
}

// tradeArgs binds a trade row. Price, size and value span the full uint64
// range, so they go to NUMERIC columns as decimal text.
func tradeArgs(t TradeRow, sequence int64) []interface{} {
	return []interface{}{
		int64(t.ComputationID), t.Buyer, t.Seller,
		strconv.FormatUint(t.Price, 10), strconv.FormatUint(t.Size, 10), strconv.FormatUint(t.Value, 10),
		TradePending, t.Timestamp, sequence,
	}
}

func applyTrades(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, t := range u.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.trades
				(computation_id, buyer, seller, price, size, value, status, timestamp, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (computation_id) DO NOTHING
		`, tradeArgs(t, u.Sequence)...); err != nil {
			return err
		}
	}
	for _, s := range u.TradeStatuses {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.trades SET status = $2 WHERE computation_id = $1
		`, int64(s.ComputationID), s.Status); err != nil {
			return err
		}
	}
	return nil
}

func applyLiquidations(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, l := range u.Liquidations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations (sequence, owner, liquidator, collateral_seized, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sequence) DO NOTHING
		`, u.Sequence, l.Owner, l.Liquidator, int64(l.Seized), l.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func applyBridge(ctx context.Context, tx *sql.Tx, u Update) error {
	if u.Bridge == nil {
		return nil
	}
	b := u.Bridge
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.bridge_config (id, authority, validators, wrapped_asset, deposit_count, last_sequence)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			authority = $1, validators = $2, wrapped_asset = $3, deposit_count = $4, last_sequence = $5
	`, b.Authority, pq.Array(b.Validators), int32(b.WrappedAsset), int64(b.DepositCount), u.Sequence)
	return err
}

// RebuildBalances recomputes projections.balances from the journal. The
// other projections are rebuilt by replaying the log with projection
// output enabled.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence FROM event_log.journal
		) entries
		GROUP BY account_path, asset_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("balance projection rebuilt")
	return nil
}
