package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainCursor is the last block whose creation events were fully processed
// for a chain.
type ChainCursor struct {
	ChainID            uint64
	LastProcessedBlock uint64
	UpdatedAt          time.Time
}

// RawCreationEvent is a ConditionalOrderCreated log before decoding.
type RawCreationEvent struct {
	ChainID     uint64
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
	Owner       common.Address
	// Params is the ABI-encoded (handler, salt, staticInput) tuple exactly as
	// it appeared in the log data.
	Params []byte
}

// BlockRange is an inclusive block interval. A nil From means "from the
// configured start block".
type BlockRange struct {
	From  *uint64
	To    uint64
	Empty bool
}

// DeadLetter is a quarantined event that could not be decoded.
type DeadLetter struct {
	ChainID     uint64
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
	Owner       common.Address
	OrderID     string // best effort, may be empty
	Payload     []byte
	Reason      string
	CreatedAt   time.Time
}

// StatusChange is published when a committed order's status differs from
// the previously stored one.
type StatusChange struct {
	ChainID   uint64      `json:"chain_id"`
	OrderID   string      `json:"order_id"`
	Owner     string      `json:"owner"`
	Previous  OrderStatus `json:"previous"`
	Current   OrderStatus `json:"current"`
	Block     uint64      `json:"block"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusTransition is one row of an order's persisted status history.
type StatusTransition struct {
	OrderID     common.Hash
	Previous    OrderStatus // empty for the first classification
	Current     OrderStatus
	BlockNumber uint64
	CreatedAt   time.Time
}
