package indexer

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/sourcegraph/conc/pool"

	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/telemetry"
)

// PartFetcher looks up the fill of a single order part.
type PartFetcher interface {
	GetPartFill(ctx context.Context, uid string) (domain.PartFill, error)
}

// Aggregator sums executed amounts over the parts of an order. Lookups run
// concurrently, bounded by maxConcurrency.
type Aggregator struct {
	fetcher        PartFetcher
	maxConcurrency int
	chainLabel     string
	logger         *slog.Logger
}

// NewAggregator creates an Aggregator for one chain.
func NewAggregator(chainID uint64, fetcher PartFetcher, maxConcurrency int, logger *slog.Logger) *Aggregator {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Aggregator{
		fetcher:        fetcher,
		maxConcurrency: maxConcurrency,
		chainLabel:     strconv.FormatUint(chainID, 10),
		logger:         logger,
	}
}

// GetExecutionInfo returns the summed fills of parts. A part whose lookup
// fails contributes zero and is counted in FailedParts; one unavailable part
// never hides the progress of the others.
func (a *Aggregator) GetExecutionInfo(ctx context.Context, orderID string, parts []domain.OrderPart) domain.ExecutionInfo {
	fills := make([]domain.PartFill, len(parts))
	failed := make([]bool, len(parts))

	p := pool.New().WithMaxGoroutines(a.maxConcurrency)
	for i := range parts {
		p.Go(func() {
			fill, err := a.fetcher.GetPartFill(ctx, parts[i].PartID)
			switch {
			case err == nil:
				fills[i] = fill
				telemetry.PartLookupsTotal.WithLabelValues(a.chainLabel, "ok").Inc()
			case errors.Is(err, domain.ErrNotFound):
				// Never submitted to the orderbook, which is a genuine zero fill.
				telemetry.PartLookupsTotal.WithLabelValues(a.chainLabel, "not_found").Inc()
			default:
				failed[i] = true
				telemetry.PartLookupsTotal.WithLabelValues(a.chainLabel, "error").Inc()
				a.logger.Warn("part lookup failed, counting as zero",
					slog.String("order_id", orderID),
					slog.String("part_id", parts[i].PartID),
					slog.Uint64("part_index", parts[i].Index),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	p.Wait()

	info := domain.ZeroExecution()
	for i, f := range fills {
		if failed[i] {
			info.FailedParts++
			continue
		}
		addTo(info.ExecutedSellAmount, f.ExecutedSellAmount)
		addTo(info.ExecutedBuyAmount, f.ExecutedBuyAmount)
	}
	return info
}

func addTo(sum, v *big.Int) {
	if v != nil {
		sum.Add(sum, v)
	}
}
