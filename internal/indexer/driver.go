// Package indexer runs the per-chain poll loop that turns ComposableCoW
// creation events into reconciled TWAP orders.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/telemetry"
	"github.com/alanyoungcy/twapindexer/internal/twap"
)

// State is the poll loop's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateCommitting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DeadLetterArchiver copies quarantined events to secondary storage.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, dl domain.DeadLetter) error
}

// Config is the per-chain driver configuration.
type Config struct {
	ChainID       uint64
	Name          string
	Handler       common.Address
	Settlement    common.Address
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration

	// RefreshEvery re-reconciles up to RefreshBatch open orders every
	// RefreshEvery iterations. Zero disables refreshing.
	RefreshEvery  int
	RefreshBatch  int
	CommitTimeout time.Duration
	LockTTL       time.Duration
	MaxLookups    int
}

// Deps are the collaborators of a Driver. Locks, Bus, DomainCache and Archive
// are optional.
type Deps struct {
	Source      ChainSource
	Orderbook   PartFetcher
	Cursors     domain.CursorStore
	Orders      domain.OrderStore
	Writer      domain.ReconciliationWriter
	DeadLetters domain.DeadLetterStore
	Archive     DeadLetterArchiver
	Locks       domain.LockManager
	Bus         domain.SignalBus
	DomainCache domain.DomainCache
	Logger      *slog.Logger
	Now         func() time.Time
}

// Driver polls one chain. All per-chain mutable state (cold-start flag,
// signing domain, leader lock) lives here.
type Driver struct {
	cfg       Config
	deps      Deps
	policy    *Policy
	decoder   *twap.Decoder
	processor *Processor
	logger    *slog.Logger
	label     string

	state     atomic.Int32
	stopCh    chan struct{}
	stopOnce  sync.Once
	iteration int
	unlock    func()
}

// New creates a Driver for one chain.
func New(cfg Config, deps Deps) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 3 * cfg.PollInterval
	}
	if cfg.RefreshBatch <= 0 {
		cfg.RefreshBatch = 100
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	logger := deps.Logger.With(
		slog.String("component", "indexer"),
		slog.Uint64("chain_id", cfg.ChainID),
	)
	if cfg.Name != "" {
		logger = logger.With(slog.String("chain", cfg.Name))
	}

	d := &Driver{
		cfg:     cfg,
		deps:    deps,
		policy:  NewPolicy(cfg.Confirmations, cfg.StartBlock),
		decoder: twap.NewDecoder(cfg.ChainID, cfg.Handler),
		logger:  logger,
		label:   strconv.FormatUint(cfg.ChainID, 10),
		stopCh:  make(chan struct{}),
	}
	d.processor = &Processor{
		chainID:    cfg.ChainID,
		source:     deps.Source,
		aggregator: NewAggregator(cfg.ChainID, deps.Orderbook, cfg.MaxLookups, logger),
		domain: &domainResolver{
			chainID:    cfg.ChainID,
			settlement: cfg.Settlement,
			source:     deps.Source,
			cache:      deps.DomainCache,
			logger:     logger,
		},
		now: deps.Now,
	}
	return d
}

// ChainID returns the chain this driver polls.
func (d *Driver) ChainID() uint64 { return d.cfg.ChainID }

// State returns the current loop state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// setState records s unless the driver is already stopping.
func (d *Driver) setState(s State) {
	for {
		cur := d.state.Load()
		if State(cur) == StateStopping && s != StateStopping {
			return
		}
		if d.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Stop asks the loop to exit after its current iteration. It does not wait.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		d.state.Store(int32(StateStopping))
		close(d.stopCh)
	})
}

func (d *Driver) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// Run polls until ctx is cancelled or Stop is called. The first iteration
// starts immediately. Iteration errors are logged and retried on the next
// tick; Run itself only returns nil.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("poll loop starting",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Uint64("confirmations", d.cfg.Confirmations),
		slog.Uint64("start_block", d.cfg.StartBlock),
	)
	defer d.releaseLock()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.setState(StateStopping)
			d.logger.Info("poll loop stopped", slog.String("reason", "context"))
			return nil
		case <-d.stopCh:
			d.logger.Info("poll loop stopped", slog.String("reason", "stop"))
			return nil
		case <-timer.C:
		}

		start := time.Now()
		if err := d.PollOnce(ctx); err != nil {
			if ctx.Err() == nil {
				d.logger.Error("poll iteration failed", slog.String("error", err.Error()))
			}
		}
		telemetry.PollDuration.WithLabelValues(d.label).Observe(time.Since(start).Seconds())

		if d.stopping() {
			d.logger.Info("poll loop stopped", slog.String("reason", "stop"))
			return nil
		}
		d.setState(StateIdle)
		timer.Reset(d.cfg.PollInterval)
	}
}

// PollOnce runs a single iteration: read the cursor, compute the safe range,
// fetch and process its events, then optionally refresh open orders.
func (d *Driver) PollOnce(ctx context.Context) error {
	d.iteration++

	leader, err := d.ensureLeader(ctx)
	if err != nil {
		telemetry.PollIterationsTotal.WithLabelValues(d.label, "error").Inc()
		return err
	}
	if !leader {
		telemetry.PollIterationsTotal.WithLabelValues(d.label, "not_leader").Inc()
		return nil
	}

	d.setState(StateFetching)
	cursor, err := d.loadCursor(ctx)
	if err != nil {
		telemetry.PollIterationsTotal.WithLabelValues(d.label, "error").Inc()
		return err
	}

	head, err := d.deps.Source.BlockNumber(ctx)
	if err != nil {
		telemetry.PollIterationsTotal.WithLabelValues(d.label, "error").Inc()
		return fmt.Errorf("indexer: chain head: %w", err)
	}

	rng := d.policy.ComputeRange(cursor, head)
	if rng.Empty {
		telemetry.PollIterationsTotal.WithLabelValues(d.label, "empty").Inc()
		d.observeCursor(cursor, head)
		d.maybeRefresh(ctx, cursor)
		return nil
	}

	events, err := d.deps.Source.FetchEvents(ctx, rng)
	if err != nil {
		telemetry.PollIterationsTotal.WithLabelValues(d.label, "error").Inc()
		return fmt.Errorf("indexer: fetch events: %w", err)
	}
	telemetry.EventsFetchedTotal.WithLabelValues(d.label).Add(float64(len(events)))

	d.logger.Debug("processing range",
		slog.String("from", rangeStart(rng)),
		slog.Uint64("to", rng.To),
		slog.Int("events", len(events)),
		slog.Bool("cold_start", d.policy.ColdStart()),
	)

	d.setState(StateProcessing)
	var committed *uint64
	for _, ev := range events {
		ok, err := d.handleEvent(ctx, ev)
		if err != nil {
			// Keep what was committed and replay from the last committed
			// block next time.
			d.policy.Replay()
			telemetry.PollIterationsTotal.WithLabelValues(d.label, "error").Inc()
			return err
		}
		if ok {
			b := ev.BlockNumber
			committed = &b
		}
	}

	if committed == nil || *committed < rng.To {
		d.setState(StateCommitting)
		if err := d.commitCursor(ctx, rng.To); err != nil {
			d.policy.Replay()
			telemetry.PollIterationsTotal.WithLabelValues(d.label, "error").Inc()
			return err
		}
	}
	d.policy.Settle()

	to := rng.To
	d.observeCursor(&to, head)
	telemetry.PollIterationsTotal.WithLabelValues(d.label, "ok").Inc()
	d.maybeRefresh(ctx, &to)
	return nil
}

func rangeStart(r domain.BlockRange) string {
	if r.From == nil {
		return "start"
	}
	return strconv.FormatUint(*r.From, 10)
}

func (d *Driver) loadCursor(ctx context.Context) (*uint64, error) {
	c, err := d.deps.Cursors.Get(ctx, d.cfg.ChainID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("indexer: load cursor: %w", err)
	}
	v := c.LastProcessedBlock
	return &v, nil
}

// handleEvent processes one creation event. It reports whether a commit
// happened. A non-nil error means infrastructure failed and the batch must
// stop; problems with the event itself are logged and swallowed.
func (d *Driver) handleEvent(ctx context.Context, ev domain.RawCreationEvent) (bool, error) {
	order, err := d.decoder.Decode(ev)
	if err != nil {
		return false, d.rejectEvent(ctx, ev, order, err)
	}

	ts, err := d.deps.Source.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("indexer: block %d timestamp: %w", ev.BlockNumber, err)
	}
	order.CreatedAt = &ts

	order, parts, err := d.processor.Reconcile(ctx, order)
	if err != nil {
		if isOrderError(err) {
			return false, d.rejectEvent(ctx, ev, order, err)
		}
		return false, err
	}

	if err := d.commit(ctx, ev.BlockNumber, order, parts); err != nil {
		if isOrderError(err) {
			return false, d.rejectEvent(ctx, ev, order, err)
		}
		return false, err
	}
	return true, nil
}

// rejectEvent applies the per-event failure policy and returns a non-nil
// error only when quarantining itself failed.
func (d *Driver) rejectEvent(ctx context.Context, ev domain.RawCreationEvent, order domain.TwapOrder, cause error) error {
	orderID := ""
	if order.OrderID != (common.Hash{}) {
		orderID = order.OrderID.Hex()
	}
	attrs := []any{
		slog.String("tx_hash", ev.TxHash.Hex()),
		slog.Uint64("block", ev.BlockNumber),
		slog.Uint64("log_index", uint64(ev.LogIndex)),
		slog.String("order_id", orderID),
		slog.String("error", cause.Error()),
	}

	switch {
	case errors.Is(cause, domain.ErrUnsupportedHandler):
		telemetry.EventsSkippedTotal.WithLabelValues(d.label, "unsupported_handler").Inc()
		d.logger.Debug("skipping conditional order with other handler", attrs...)
		return nil
	case errors.Is(cause, domain.ErrPartCountMismatch):
		telemetry.EventsSkippedTotal.WithLabelValues(d.label, "part_mismatch").Inc()
		d.logger.Error("order skipped: part invariant violated", attrs...)
		return nil
	case errors.Is(cause, domain.ErrInvalidOrder):
		telemetry.EventsSkippedTotal.WithLabelValues(d.label, "invalid").Inc()
	default:
		telemetry.EventsSkippedTotal.WithLabelValues(d.label, "malformed").Inc()
	}

	d.logger.Error("quarantining undecodable creation event", attrs...)
	return d.quarantine(ctx, domain.DeadLetter{
		ChainID:     d.cfg.ChainID,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash,
		Owner:       ev.Owner,
		OrderID:     orderID,
		Payload:     ev.Params,
		Reason:      cause.Error(),
		CreatedAt:   d.deps.Now().UTC(),
	})
}

func (d *Driver) quarantine(ctx context.Context, dl domain.DeadLetter) error {
	if d.deps.DeadLetters != nil {
		wctx, cancel := d.writeContext(ctx)
		err := d.deps.DeadLetters.Put(wctx, dl)
		cancel()
		if err != nil {
			return fmt.Errorf("indexer: quarantine %s: %w", dl.TxHash.Hex(), err)
		}
	}
	telemetry.DeadLettersTotal.WithLabelValues(d.label).Inc()

	if d.deps.Archive != nil {
		if err := d.deps.Archive.Archive(ctx, dl); err != nil {
			d.logger.Warn("dead letter archive failed",
				slog.String("tx_hash", dl.TxHash.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// writeContext detaches writes from cancellation so a stop request never
// aborts a transaction half way; the commit timeout still bounds them.
func (d *Driver) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CommitTimeout)
}

func (d *Driver) commit(ctx context.Context, block uint64, order domain.TwapOrder, parts []domain.OrderPart) error {
	d.setState(StateCommitting)
	defer d.setState(StateProcessing)

	wctx, cancel := d.writeContext(ctx)
	defer cancel()

	start := time.Now()
	previous, err := d.deps.Writer.Commit(wctx, d.cfg.ChainID, block, order, parts)
	telemetry.CommitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("indexer: commit %s: %w", order.OrderID.Hex(), err)
	}

	telemetry.OrdersCommittedTotal.WithLabelValues(d.label, string(order.Status)).Inc()
	if previous != order.Status {
		d.publishChange(wctx, previous, order, block)
	}
	return nil
}

func (d *Driver) commitCursor(ctx context.Context, block uint64) error {
	wctx, cancel := d.writeContext(ctx)
	defer cancel()
	if err := d.deps.Writer.CommitCursor(wctx, d.cfg.ChainID, block); err != nil {
		return fmt.Errorf("indexer: commit cursor %d: %w", block, err)
	}
	return nil
}

func (d *Driver) publishChange(ctx context.Context, previous domain.OrderStatus, order domain.TwapOrder, block uint64) {
	telemetry.StatusChangesTotal.WithLabelValues(d.label, string(order.Status)).Inc()
	d.logger.Info("order status changed",
		slog.String("order_id", order.OrderID.Hex()),
		slog.String("owner", order.Owner.Hex()),
		slog.String("previous", string(previous)),
		slog.String("status", string(order.Status)),
	)
	if d.deps.Bus == nil {
		return
	}

	payload, err := json.Marshal(domain.StatusChange{
		ChainID:   d.cfg.ChainID,
		OrderID:   order.OrderID.Hex(),
		Owner:     order.Owner.Hex(),
		Previous:  previous,
		Current:   order.Status,
		Block:     block,
		Timestamp: d.deps.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("marshal status change", slog.String("error", err.Error()))
		return
	}
	if err := d.deps.Bus.StreamAppend(ctx, domain.StatusStream(d.cfg.ChainID), payload); err != nil {
		d.logger.Warn("publish status change failed",
			slog.String("order_id", order.OrderID.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// maybeRefresh re-reconciles stored open orders so fills, cancellations and
// expiry that happen after creation are picked up. The cursor is re-written
// with its current value, which GREATEST leaves untouched.
func (d *Driver) maybeRefresh(ctx context.Context, cursor *uint64) {
	if d.cfg.RefreshEvery <= 0 || cursor == nil || d.deps.Orders == nil {
		return
	}
	if d.iteration%d.cfg.RefreshEvery != 0 {
		return
	}

	orders, err := d.deps.Orders.ListOpen(ctx, d.cfg.ChainID, d.cfg.RefreshBatch)
	if err != nil {
		d.logger.Warn("list open orders failed", slog.String("error", err.Error()))
		return
	}

	d.setState(StateProcessing)
	refreshed := 0
	for _, stored := range orders {
		if d.stopping() || ctx.Err() != nil {
			return
		}
		order, parts, err := d.processor.Reconcile(ctx, stored)
		if err != nil {
			if isOrderError(err) {
				d.logger.Error("stored order cannot be reconciled",
					slog.String("order_id", stored.OrderID.Hex()),
					slog.String("error", err.Error()),
				)
				continue
			}
			d.logger.Warn("refresh aborted", slog.String("error", err.Error()))
			return
		}
		if err := d.commit(ctx, *cursor, order, parts); err != nil {
			d.logger.Warn("refresh commit failed",
				slog.String("order_id", stored.OrderID.Hex()),
				slog.String("error", err.Error()),
			)
			return
		}
		refreshed++
	}
	if refreshed > 0 {
		d.logger.Debug("refreshed open orders", slog.Int("count", refreshed))
	}
}

func (d *Driver) observeCursor(cursor *uint64, head uint64) {
	if cursor == nil {
		return
	}
	telemetry.CursorBlock.WithLabelValues(d.label).Set(float64(*cursor))
	if head >= *cursor {
		telemetry.HeadLag.WithLabelValues(d.label).Set(float64(head - *cursor))
	}
}

// ensureLeader acquires or refreshes this chain's lock. Without a lock
// manager every driver is the leader.
func (d *Driver) ensureLeader(ctx context.Context) (bool, error) {
	if d.deps.Locks == nil {
		return true, nil
	}
	key := "chain:" + d.label

	if d.unlock != nil {
		err := d.deps.Locks.Refresh(ctx, key, d.cfg.LockTTL)
		if err == nil {
			return true, nil
		}
		d.unlock = nil
		if !errors.Is(err, domain.ErrLockHeld) && !errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("indexer: refresh lock: %w", err)
		}
		d.logger.Warn("chain lock lost")
		// A new leader may have advanced past us; replay from its cursor.
		d.policy.Replay()
	}

	unlock, err := d.deps.Locks.Acquire(ctx, key, d.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		d.logger.Debug("chain lock held by another instance")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("indexer: acquire lock: %w", err)
	}
	d.unlock = unlock
	d.policy.Replay()
	d.logger.Info("chain lock acquired")
	return true, nil
}

func (d *Driver) releaseLock() {
	if d.unlock != nil {
		d.unlock()
		d.unlock = nil
	}
}
