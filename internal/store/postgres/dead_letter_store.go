package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// DeadLetterStore implements domain.DeadLetterStore using PostgreSQL.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore creates a new DeadLetterStore backed by the given pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Put records dl. The key is (chain, block, log index), so seeing the same
// event again only refreshes the reason.
func (s *DeadLetterStore) Put(ctx context.Context, dl domain.DeadLetter) error {
	const query = `
		INSERT INTO dead_letter_events (
			chain_id, block_number, log_index, tx_hash, owner, order_id, payload, reason
		) VALUES (
			@chain_id, @block_number, @log_index, @tx_hash, @owner, @order_id, @payload, @reason
		)
		ON CONFLICT (chain_id, block_number, log_index) DO UPDATE SET
			reason = EXCLUDED.reason,
			order_id = EXCLUDED.order_id`

	args := pgx.NamedArgs{
		"chain_id":     int64(dl.ChainID),
		"block_number": int64(dl.BlockNumber),
		"log_index":    int32(dl.LogIndex),
		"tx_hash":      dl.TxHash.Hex(),
		"owner":        dl.Owner.Hex(),
		"order_id":     dl.OrderID,
		"payload":      dl.Payload,
		"reason":       dl.Reason,
	}
	if _, err := s.pool.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("postgres: put dead letter %d/%d/%d: %w", dl.ChainID, dl.BlockNumber, dl.LogIndex, err)
	}
	return nil
}

// List returns dead letters for a chain in chain order.
func (s *DeadLetterStore) List(ctx context.Context, chainID uint64, opts domain.ListOpts) ([]domain.DeadLetter, error) {
	query := `SELECT chain_id, block_number, log_index, tx_hash, owner, order_id, payload, reason, created_at
		FROM dead_letter_events WHERE chain_id = $1 ORDER BY block_number, log_index`
	args := []any{int64(chainID)}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl            domain.DeadLetter
			chain, block  int64
			logIndex      int32
			txHash, owner string
		)
		if err := rows.Scan(&chain, &block, &logIndex, &txHash, &owner, &dl.OrderID, &dl.Payload, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		dl.ChainID = uint64(chain)
		dl.BlockNumber = uint64(block)
		dl.LogIndex = uint(logIndex)
		dl.TxHash = common.HexToHash(txHash)
		dl.Owner = common.HexToAddress(owner)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list dead letters rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.DeadLetterStore = (*DeadLetterStore)(nil)
