package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStatus tracks the TWAP order lifecycle. It is always derived from the
// order definition, execution totals, time and the on-chain active flag; the
// stored value is a cache of the last classification.
type OrderStatus string

const (
	OrderStatusWaitSigning OrderStatus = "wait_signing"
	OrderStatusPending     OrderStatus = "pending"
	OrderStatusScheduled   OrderStatus = "scheduled"
	OrderStatusCancelled   OrderStatus = "cancelled"
	OrderStatusCancelling  OrderStatus = "cancelling"
	OrderStatusExpired     OrderStatus = "expired"
	OrderStatusFulfilled   OrderStatus = "fulfilled"
)

// Terminal reports whether no further reconciliation can change the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusExpired, OrderStatusFulfilled:
		return true
	default:
		return false
	}
}

// TwapData is the static input of a TWAP conditional order as it is encoded
// on-chain.
type TwapData struct {
	SellToken      common.Address
	BuyToken       common.Address
	Receiver       common.Address
	PartSellAmount *big.Int
	MinPartLimit   *big.Int
	StartTime      uint64 // t0; zero means "start at creation block time"
	NumParts       uint64 // n
	Interval       uint64 // t, seconds
	Span           uint64 // zero means the whole interval
	AppData        common.Hash
}

// TotalSellAmount returns partSellAmount * numParts.
func (d TwapData) TotalSellAmount() *big.Int {
	if d.PartSellAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(d.PartSellAmount, new(big.Int).SetUint64(d.NumParts))
}

// TwapOrder is a decoded TWAP order together with its reconciliation state.
type TwapOrder struct {
	OrderID common.Hash
	ChainID uint64
	Owner   common.Address
	Handler common.Address
	Salt    common.Hash
	TwapData

	// CreatedAt is the timestamp of the block holding the creation event.
	// Nil until the block metadata is known.
	CreatedAt   *time.Time
	BlockNumber uint64
	TxHash      common.Hash

	Status             OrderStatus
	ExecutedSellAmount *big.Int
	ExecutedBuyAmount  *big.Int
	UpdatedAt          time.Time
}

// AnchorTimestamp returns the time the first part starts: t0 when set,
// otherwise the creation block timestamp.
func (o TwapOrder) AnchorTimestamp() (uint64, bool) {
	if o.StartTime != 0 {
		return o.StartTime, true
	}
	if o.CreatedAt == nil {
		return 0, false
	}
	return uint64(o.CreatedAt.Unix()), true
}

// OrderPart is one time slice of a TWAP order, identified by the CoW Protocol
// order UID it would be submitted under.
type OrderPart struct {
	PartID  string // 0x-prefixed 56-byte order UID
	OrderID common.Hash
	Index   uint64
	ValidTo uint32
}

// ExecutionInfo is the aggregate fill of all parts of an order.
type ExecutionInfo struct {
	ExecutedSellAmount *big.Int
	ExecutedBuyAmount  *big.Int
	// FailedParts counts part lookups that were treated as zero.
	FailedParts int
}

// ZeroExecution returns an ExecutionInfo with both amounts set to zero.
func ZeroExecution() ExecutionInfo {
	return ExecutionInfo{
		ExecutedSellAmount: new(big.Int),
		ExecutedBuyAmount:  new(big.Int),
	}
}

// PartFill is the orderbook view of a single order part.
type PartFill struct {
	ExecutedSellAmount *big.Int
	ExecutedBuyAmount  *big.Int
}
