package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CursorStore reads per-chain block checkpoints. Cursors are only ever
// written by a ReconciliationWriter.
type CursorStore interface {
	Get(ctx context.Context, chainID uint64) (ChainCursor, error)
	List(ctx context.Context) ([]ChainCursor, error)
}

// OrderStore reads persisted TWAP orders and their parts.
type OrderStore interface {
	GetByID(ctx context.Context, orderID common.Hash) (TwapOrder, error)
	ListParts(ctx context.Context, orderID common.Hash) ([]OrderPart, error)
	ListOpen(ctx context.Context, chainID uint64, limit int) ([]TwapOrder, error)
	ListByOwner(ctx context.Context, owner common.Address, opts ListOpts) ([]TwapOrder, error)
	ListHistory(ctx context.Context, orderID common.Hash) ([]StatusTransition, error)
}

// ReconciliationWriter atomically persists the outcome of processing one
// order: the chain cursor, the order row and all of its parts.
type ReconciliationWriter interface {
	// Commit upserts cursor, order and parts in one transaction and returns
	// the status stored before the write ("" for a new order).
	Commit(ctx context.Context, chainID, blockNumber uint64, order TwapOrder, parts []OrderPart) (OrderStatus, error)
	// CommitCursor advances the cursor alone, for batches in which no order
	// was committed.
	CommitCursor(ctx context.Context, chainID, blockNumber uint64) error
}

// DeadLetterStore quarantines undecodable events for manual replay.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, chainID uint64, opts ListOpts) ([]DeadLetter, error)
}
