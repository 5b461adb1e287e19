package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

const cursorUpsertSQL = `
	INSERT INTO chain_cursors (chain_id, last_processed_block, updated_at)
	VALUES (@chain_id, @block, NOW())
	ON CONFLICT (chain_id) DO UPDATE SET
		last_processed_block = GREATEST(chain_cursors.last_processed_block, EXCLUDED.last_processed_block),
		updated_at = NOW()`

const orderUpsertSQL = `
	INSERT INTO twap_orders (
		order_id, chain_id, owner, handler, salt,
		sell_token, buy_token, receiver,
		part_sell_amount, min_part_limit,
		start_time, num_parts, part_interval, span, app_data,
		created_at, block_number, tx_hash, status,
		executed_sell_amount, executed_buy_amount, updated_at
	) VALUES (
		@order_id, @chain_id, @owner, @handler, @salt,
		@sell_token, @buy_token, @receiver,
		@part_sell_amount::numeric, @min_part_limit::numeric,
		@start_time, @num_parts, @part_interval, @span, @app_data,
		@created_at, @block_number, @tx_hash, @status,
		@executed_sell_amount::numeric, @executed_buy_amount::numeric, NOW()
	)
	ON CONFLICT (order_id) DO UPDATE SET
		chain_id = EXCLUDED.chain_id,
		owner = EXCLUDED.owner,
		handler = EXCLUDED.handler,
		salt = EXCLUDED.salt,
		sell_token = EXCLUDED.sell_token,
		buy_token = EXCLUDED.buy_token,
		receiver = EXCLUDED.receiver,
		part_sell_amount = EXCLUDED.part_sell_amount,
		min_part_limit = EXCLUDED.min_part_limit,
		start_time = EXCLUDED.start_time,
		num_parts = EXCLUDED.num_parts,
		part_interval = EXCLUDED.part_interval,
		span = EXCLUDED.span,
		app_data = EXCLUDED.app_data,
		created_at = COALESCE(twap_orders.created_at, EXCLUDED.created_at),
		block_number = EXCLUDED.block_number,
		tx_hash = EXCLUDED.tx_hash,
		status = EXCLUDED.status,
		executed_sell_amount = EXCLUDED.executed_sell_amount,
		executed_buy_amount = EXCLUDED.executed_buy_amount,
		updated_at = NOW()`

const partUpsertSQL = `
	INSERT INTO twap_order_parts (part_id, order_id, part_index, valid_to)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (part_id) DO UPDATE SET
		order_id = EXCLUDED.order_id,
		part_index = EXCLUDED.part_index,
		valid_to = EXCLUDED.valid_to`

const historyInsertSQL = `
	INSERT INTO twap_order_status_history (order_id, previous_status, status, block_number)
	VALUES ($1, $2, $3, $4)`

// ReconciliationWriter implements domain.ReconciliationWriter. Each Commit
// is one transaction, so a crash leaves either the whole unit or none of it.
type ReconciliationWriter struct {
	pool *pgxpool.Pool
}

// NewReconciliationWriter creates a writer backed by the given pool.
func NewReconciliationWriter(pool *pgxpool.Pool) *ReconciliationWriter {
	return &ReconciliationWriter{pool: pool}
}

// Commit upserts the chain cursor, the order and its parts, and records a
// status transition when the status changed. It returns the status stored
// before the write, or "" for a new order. Re-committing identical input
// leaves stored state unchanged apart from updated_at.
func (w *ReconciliationWriter) Commit(
	ctx context.Context,
	chainID, blockNumber uint64,
	order domain.TwapOrder,
	parts []domain.OrderPart,
) (domain.OrderStatus, error) {
	if uint64(len(parts)) != order.NumParts {
		return "", fmt.Errorf("postgres: commit %s: %d parts for n=%d: %w",
			order.OrderID.Hex(), len(parts), order.NumParts, domain.ErrPartCountMismatch)
	}

	var previous domain.OrderStatus
	err := withTransaction(ctx, w.pool, func(tx pgx.Tx) error {
		if err := upsertCursor(ctx, tx, chainID, blockNumber); err != nil {
			return err
		}

		var prev string
		err := tx.QueryRow(ctx,
			`SELECT status FROM twap_orders WHERE order_id = $1 FOR UPDATE`,
			order.OrderID.Hex(),
		).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: lock order %s: %w", order.OrderID.Hex(), err)
		}
		previous = domain.OrderStatus(prev)

		if _, err := tx.Exec(ctx, orderUpsertSQL, orderArgs(order)); err != nil {
			return fmt.Errorf("postgres: upsert order %s: %w", order.OrderID.Hex(), err)
		}

		if len(parts) > 0 {
			batch := &pgx.Batch{}
			for _, p := range parts {
				batch.Queue(partUpsertSQL, p.PartID, order.OrderID.Hex(), int64(p.Index), int64(p.ValidTo))
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("postgres: upsert parts %s: %w", order.OrderID.Hex(), err)
			}
		}

		if previous != order.Status {
			if _, err := tx.Exec(ctx, historyInsertSQL,
				order.OrderID.Hex(), string(previous), string(order.Status), int64(blockNumber),
			); err != nil {
				return fmt.Errorf("postgres: record status %s: %w", order.OrderID.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

// CommitCursor advances the cursor on its own. The cursor never moves back.
func (w *ReconciliationWriter) CommitCursor(ctx context.Context, chainID, blockNumber uint64) error {
	return withTransaction(ctx, w.pool, func(tx pgx.Tx) error {
		return upsertCursor(ctx, tx, chainID, blockNumber)
	})
}

func upsertCursor(ctx context.Context, tx pgx.Tx, chainID, blockNumber uint64) error {
	args := pgx.NamedArgs{
		"chain_id": int64(chainID),
		"block":    int64(blockNumber),
	}
	if _, err := tx.Exec(ctx, cursorUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres: upsert cursor %d: %w", chainID, err)
	}
	return nil
}

func orderArgs(o domain.TwapOrder) pgx.NamedArgs {
	return pgx.NamedArgs{
		"order_id":             o.OrderID.Hex(),
		"chain_id":             int64(o.ChainID),
		"owner":                o.Owner.Hex(),
		"handler":              o.Handler.Hex(),
		"salt":                 o.Salt.Hex(),
		"sell_token":           o.SellToken.Hex(),
		"buy_token":            o.BuyToken.Hex(),
		"receiver":             o.Receiver.Hex(),
		"part_sell_amount":     numericText(o.PartSellAmount),
		"min_part_limit":       numericText(o.MinPartLimit),
		"start_time":           int64(o.StartTime),
		"num_parts":            int64(o.NumParts),
		"part_interval":        int64(o.Interval),
		"span":                 int64(o.Span),
		"app_data":             o.AppData.Hex(),
		"created_at":           o.CreatedAt,
		"block_number":         int64(o.BlockNumber),
		"tx_hash":              o.TxHash.Hex(),
		"status":               string(o.Status),
		"executed_sell_amount": numericText(o.ExecutedSellAmount),
		"executed_buy_amount":  numericText(o.ExecutedBuyAmount),
	}
}

// Compile-time interface check.
var _ domain.ReconciliationWriter = (*ReconciliationWriter)(nil)
