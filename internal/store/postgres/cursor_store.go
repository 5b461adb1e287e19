package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// CursorStore implements domain.CursorStore using PostgreSQL.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a new CursorStore backed by the given connection pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Get returns the cursor for chainID, or domain.ErrNotFound before the first
// commit on that chain.
func (s *CursorStore) Get(ctx context.Context, chainID uint64) (domain.ChainCursor, error) {
	var c domain.ChainCursor
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT chain_id, last_processed_block, updated_at FROM chain_cursors WHERE chain_id = $1`,
		int64(chainID),
	).Scan(&c.ChainID, &block, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChainCursor{}, domain.ErrNotFound
		}
		return domain.ChainCursor{}, fmt.Errorf("postgres: get cursor %d: %w", chainID, err)
	}
	c.LastProcessedBlock = uint64(block)
	return c, nil
}

// List returns every chain cursor ordered by chain id.
func (s *CursorStore) List(ctx context.Context) ([]domain.ChainCursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chain_id, last_processed_block, updated_at FROM chain_cursors ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cursors: %w", err)
	}
	defer rows.Close()

	var out []domain.ChainCursor
	for rows.Next() {
		var c domain.ChainCursor
		var block int64
		if err := rows.Scan(&c.ChainID, &block, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan cursor: %w", err)
		}
		c.LastProcessedBlock = uint64(block)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cursors rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.CursorStore = (*CursorStore)(nil)
