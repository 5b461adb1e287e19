package indexer

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

type mapFetcher map[string]struct {
	fill domain.PartFill
	err  error
}

func (m mapFetcher) GetPartFill(_ context.Context, uid string) (domain.PartFill, error) {
	r, ok := m[uid]
	if !ok {
		return domain.PartFill{}, domain.ErrNotFound
	}
	return r.fill, r.err
}

func TestGetExecutionInfoSumsParts(t *testing.T) {
	fetcher := mapFetcher{
		"0x01": {fill: domain.PartFill{ExecutedSellAmount: big.NewInt(100), ExecutedBuyAmount: big.NewInt(5)}},
		"0x02": {fill: domain.PartFill{ExecutedSellAmount: big.NewInt(40), ExecutedBuyAmount: big.NewInt(2)}},
	}
	parts := []domain.OrderPart{{PartID: "0x01", Index: 0}, {PartID: "0x02", Index: 1}, {PartID: "0x03", Index: 2}}

	info := NewAggregator(1, fetcher, 2, discardLogger()).GetExecutionInfo(context.Background(), "0xabc", parts)
	assert.Equal(t, "140", info.ExecutedSellAmount.String())
	assert.Equal(t, "7", info.ExecutedBuyAmount.String())
	assert.Zero(t, info.FailedParts, "a part unknown to the orderbook is a zero fill, not a failure")
}

func TestGetExecutionInfoFailedPartCountsAsZero(t *testing.T) {
	fetcher := mapFetcher{
		"0x01": {fill: domain.PartFill{ExecutedSellAmount: big.NewInt(100), ExecutedBuyAmount: big.NewInt(5)}},
		"0x02": {err: errRPC},
		"0x03": {fill: domain.PartFill{ExecutedSellAmount: big.NewInt(1), ExecutedBuyAmount: nil}},
	}
	parts := []domain.OrderPart{{PartID: "0x01"}, {PartID: "0x02", Index: 1}, {PartID: "0x03", Index: 2}}

	info := NewAggregator(1, fetcher, 0, discardLogger()).GetExecutionInfo(context.Background(), "0xabc", parts)
	assert.Equal(t, "101", info.ExecutedSellAmount.String())
	assert.Equal(t, "5", info.ExecutedBuyAmount.String())
	assert.Equal(t, 1, info.FailedParts)
}

func TestGetExecutionInfoNoParts(t *testing.T) {
	info := NewAggregator(1, mapFetcher{}, 4, discardLogger()).GetExecutionInfo(context.Background(), "0xabc", nil)
	require.NotNil(t, info.ExecutedSellAmount)
	assert.Zero(t, info.ExecutedSellAmount.Sign())
	assert.Zero(t, info.ExecutedBuyAmount.Sign())
}
