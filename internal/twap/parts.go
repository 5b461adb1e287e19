package twap

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/twapindexer/internal/crypto"
	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// MaxParts bounds how many parts a single order may expand into. Larger
// orders are valid on-chain but are rejected here instead of exhausting memory
// and orderbook quota.
const MaxParts = 100_000

// ValidTo returns the last second part i may be settled in.
//
// With span == 0 windows abut: anchor + (i+1)*t - 1.
// With span > 0 each window is span seconds wide: anchor + i*t + span - 1.
func ValidTo(d domain.TwapData, anchor, i uint64) (uint32, error) {
	var end uint64
	if d.Span == 0 {
		end = anchor + (i+1)*d.Interval - 1
	} else {
		end = anchor + i*d.Interval + d.Span - 1
	}
	if end > math.MaxUint32 {
		return 0, fmt.Errorf("twap: part %d valid_to %d overflows uint32: %w", i, end, domain.ErrInvalidOrder)
	}
	return uint32(end), nil
}

// PartOrder returns the GPv2 order the TWAP handler emits for a part that
// expires at validTo.
func PartOrder(d domain.TwapData, validTo uint32) crypto.Order {
	return crypto.Order{
		SellToken:  d.SellToken,
		BuyToken:   d.BuyToken,
		Receiver:   d.Receiver,
		SellAmount: d.PartSellAmount,
		BuyAmount:  d.MinPartLimit,
		ValidTo:    validTo,
		AppData:    d.AppData,
		SellKind:   true,
	}
}

// PartUID derives the orderbook UID of a part.
func PartUID(owner common.Address, d domain.TwapData, validTo uint32, domainSep common.Hash) string {
	digest := PartOrder(d, validTo).Digest(domainSep)
	return hexutil.Encode(crypto.OrderUID(digest, owner, validTo))
}

// Expand produces exactly NumParts parts for order, anchored at anchor.
// The result depends only on its inputs, so part ids never change after the
// first expansion.
func Expand(order domain.TwapOrder, anchor uint64, domainSep common.Hash) ([]domain.OrderPart, error) {
	n := order.NumParts
	if n == 0 || n > MaxParts {
		return nil, fmt.Errorf("twap: expand %s: %d parts: %w", order.OrderID.Hex(), n, domain.ErrInvalidOrder)
	}

	parts := make([]domain.OrderPart, 0, n)
	for i := uint64(0); i < n; i++ {
		validTo, err := ValidTo(order.TwapData, anchor, i)
		if err != nil {
			return nil, err
		}
		parts = append(parts, domain.OrderPart{
			PartID:  PartUID(order.Owner, order.TwapData, validTo, domainSep),
			OrderID: order.OrderID,
			Index:   i,
			ValidTo: validTo,
		})
	}
	return parts, nil
}

// CheckParts verifies parts is a complete expansion of order.
func CheckParts(order domain.TwapOrder, parts []domain.OrderPart) error {
	if uint64(len(parts)) != order.NumParts {
		return fmt.Errorf("twap: order %s has %d parts, want %d: %w",
			order.OrderID.Hex(), len(parts), order.NumParts, domain.ErrPartCountMismatch)
	}
	for i, p := range parts {
		if p.Index != uint64(i) || p.OrderID != order.OrderID {
			return fmt.Errorf("twap: order %s part %d out of place: %w",
				order.OrderID.Hex(), i, domain.ErrPartCountMismatch)
		}
	}
	return nil
}
