package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DomainCache stores the EIP-712 signing domain separator per chain. The
// value is immutable for a deployment, so entries never expire.
type DomainCache interface {
	GetDomainSeparator(ctx context.Context, chainID uint64) (common.Hash, error)
	SetDomainSeparator(ctx context.Context, chainID uint64, sep common.Hash) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides durable streams for downstream consumers.
type SignalBus interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// StatusStream names the stream carrying order status changes for a chain.
func StatusStream(chainID uint64) string {
	return "twap:status:" + strconv.FormatUint(chainID, 10)
}
