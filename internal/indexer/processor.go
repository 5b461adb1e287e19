package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/twapindexer/internal/crypto"
	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/twap"
)

// ChainSource is the read side of one chain deployment.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	FetchEvents(ctx context.Context, r domain.BlockRange) ([]domain.RawCreationEvent, error)
	IsActive(ctx context.Context, owner common.Address, orderID common.Hash) (bool, error)
	DomainSeparator(ctx context.Context) (common.Hash, error)
}

// domainResolver resolves a chain's signing-domain separator once and keeps
// it for the life of the process. Lookups go memory, shared cache, contract
// and finally local computation.
type domainResolver struct {
	chainID    uint64
	settlement common.Address
	source     ChainSource
	cache      domain.DomainCache // optional
	logger     *slog.Logger

	mu  sync.Mutex
	sep *common.Hash
}

func (r *domainResolver) Separator(ctx context.Context) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sep != nil {
		return *r.sep, nil
	}

	if r.cache != nil {
		sep, err := r.cache.GetDomainSeparator(ctx, r.chainID)
		if err == nil {
			r.sep = &sep
			return sep, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("domain separator cache read failed", slog.String("error", err.Error()))
		}
	}

	local := crypto.SettlementDomain(r.chainID, r.settlement).Separator()
	sep, err := r.source.DomainSeparator(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return common.Hash{}, fmt.Errorf("indexer: domain separator: %w", ctx.Err())
		}
		r.logger.Warn("domainSeparator() call failed, using local computation",
			slog.String("error", err.Error()),
		)
		sep = local
	case sep != local:
		r.logger.Warn("on-chain domain separator differs from local computation",
			slog.String("onchain", sep.Hex()),
			slog.String("local", local.Hex()),
		)
	}

	if r.cache != nil {
		if err := r.cache.SetDomainSeparator(ctx, r.chainID, sep); err != nil {
			r.logger.Warn("domain separator cache write failed", slog.String("error", err.Error()))
		}
	}
	r.sep = &sep
	return sep, nil
}

// Processor turns a decoded order into its reconciled state: parts,
// execution totals and status.
type Processor struct {
	chainID    uint64
	source     ChainSource
	aggregator *Aggregator
	domain     *domainResolver
	now        func() time.Time
}

// Reconcile expands order, aggregates the fills of its parts, reads the
// on-chain active flag and classifies the result. The returned error is
// domain.ErrInvalidOrder or domain.ErrPartCountMismatch for problems with the
// order itself; anything else is infrastructure and worth retrying.
func (p *Processor) Reconcile(ctx context.Context, order domain.TwapOrder) (domain.TwapOrder, []domain.OrderPart, error) {
	anchor, ok := order.AnchorTimestamp()
	if !ok {
		return order, nil, fmt.Errorf("indexer: order %s has no anchor time: %w", order.OrderID.Hex(), domain.ErrInvalidOrder)
	}

	sep, err := p.domain.Separator(ctx)
	if err != nil {
		return order, nil, err
	}

	parts, err := twap.Expand(order, anchor, sep)
	if err != nil {
		return order, nil, err
	}
	if err := twap.CheckParts(order, parts); err != nil {
		return order, nil, err
	}

	now := p.now()
	info := p.aggregator.GetExecutionInfo(ctx, order.OrderID.Hex(), dueParts(parts, order.TwapData, anchor, now))
	if ctx.Err() != nil {
		return order, nil, fmt.Errorf("indexer: aggregate %s: %w", order.OrderID.Hex(), ctx.Err())
	}

	active, err := p.source.IsActive(ctx, order.Owner, order.OrderID)
	if err != nil {
		return order, nil, fmt.Errorf("indexer: active flag %s: %w", order.OrderID.Hex(), err)
	}

	order.ExecutedSellAmount = info.ExecutedSellAmount
	order.ExecutedBuyAmount = info.ExecutedBuyAmount
	order.Status = twap.Classify(info.ExecutedSellAmount, order, now, active)
	order.UpdatedAt = now
	return order, parts, nil
}

// dueParts drops parts whose window has not opened yet; they cannot have
// been filled.
func dueParts(parts []domain.OrderPart, d domain.TwapData, anchor uint64, now time.Time) []domain.OrderPart {
	unix := now.Unix()
	if unix < 0 {
		return nil
	}
	due := parts[:0:0]
	for _, p := range parts {
		if anchor+p.Index*d.Interval > uint64(unix) {
			break
		}
		due = append(due, p)
	}
	return due
}

// isOrderError reports whether err is a problem with the order itself rather
// than with the infrastructure used to process it.
func isOrderError(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent) ||
		errors.Is(err, domain.ErrInvalidOrder) ||
		errors.Is(err, domain.ErrUnsupportedHandler) ||
		errors.Is(err, domain.ErrPartCountMismatch)
}
