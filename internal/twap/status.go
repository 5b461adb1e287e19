package twap

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// EndTime is the first second after the order's final interval, anchored at
// anchor.
func EndTime(d domain.TwapData, anchor uint64) uint64 {
	return anchor + d.Interval*d.NumParts
}

// Classify derives an order's status. The first matching rule wins:
//
//  1. executed sell amount reached partSellAmount*n: fulfilled
//  2. no longer active on-chain: cancelled
//  3. now is past the final window: expired
//  4. creation time not yet known: wait_signing
//  5. otherwise: pending
//
// Scheduled and cancelling are owned by the order-submission side and are
// never produced here.
func Classify(executedSell *big.Int, order domain.TwapOrder, now time.Time, active bool) domain.OrderStatus {
	if executedSell != nil && executedSell.Cmp(order.TotalSellAmount()) >= 0 && order.NumParts > 0 {
		return domain.OrderStatusFulfilled
	}
	if !active {
		return domain.OrderStatusCancelled
	}
	if anchor, ok := order.AnchorTimestamp(); ok {
		if uint64(now.Unix()) > EndTime(order.TwapData, anchor) {
			return domain.OrderStatusExpired
		}
	}
	if order.CreatedAt == nil {
		return domain.OrderStatusWaitSigning
	}
	return domain.OrderStatusPending
}
