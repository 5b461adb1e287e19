package indexer

import (
	"context"
	"math/big"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/twapindexer/internal/crypto"
	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// testNow falls inside the third part window of sampleData.
var testNow = time.Unix(1000+2*3600+10, 0).UTC()

type harness struct {
	src     *fakeSource
	store   *memStore
	fetcher *fakeFetcher
	bus     *fakeBus
	archive *fakeArchive
	locks   *fakeLocks
	now     time.Time
}

func newHarness(src *fakeSource) *harness {
	return &harness{
		src:     src,
		store:   newMemStore(),
		fetcher: &fakeFetcher{},
		bus:     &fakeBus{},
		archive: &fakeArchive{},
		now:     testNow,
	}
}

func (h *harness) driver(cfg Config) *Driver {
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	cfg.Handler = testHandler
	cfg.Settlement = crypto.SettlementAddress
	deps := Deps{
		Source:      h.src,
		Orderbook:   h.fetcher,
		Cursors:     cursorView{h.store},
		Orders:      h.store,
		Writer:      h.store,
		DeadLetters: deadLetterView{h.store},
		Archive:     h.archive,
		Bus:         h.bus,
		Logger:      discardLogger(),
		Now:         func() time.Time { return h.now },
	}
	if h.locks != nil {
		deps.Locks = h.locks
	}
	return New(cfg, deps)
}

func (h *harness) statusChanges(t *testing.T) []domain.StatusChange {
	t.Helper()
	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	var out []domain.StatusChange
	for _, raw := range h.bus.messages[domain.StatusStream(1)] {
		var c domain.StatusChange
		require.NoError(t, json.Unmarshal(raw, &c))
		out = append(out, c)
	}
	return out
}

func TestPollOnceCommitsOrdersAndCursor(t *testing.T) {
	ctx := context.Background()
	ev0 := creationEvent(t, 100, 0, testHandler, sampleData())
	ev1 := creationEvent(t, 105, 1, testHandler, sampleData())
	h := newHarness(newFakeSource(110, ev0, ev1))
	d := h.driver(Config{Confirmations: 5, StartBlock: 100})

	require.NoError(t, d.PollOnce(ctx))

	first := h.src.lastFetch()
	assert.Nil(t, first.From, "no cursor starts at the configured start block")
	assert.Equal(t, uint64(105), first.To)
	assert.Equal(t, uint64(105), h.store.cursorValue(t))
	assert.False(t, d.policy.ColdStart())

	order, err := h.store.GetByID(ctx, orderIDOf(t, ev0))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	require.NotNil(t, order.CreatedAt)
	assert.Equal(t, int64(900), order.CreatedAt.Unix())
	assert.Zero(t, order.ExecutedSellAmount.Sign())

	parts, err := h.store.ListParts(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Len(t, parts, 4)

	changes := h.statusChanges(t)
	require.Len(t, changes, 2)
	assert.Equal(t, order.OrderID.Hex(), changes[0].OrderID)
	assert.Equal(t, domain.OrderStatus(""), changes[0].Previous)
	assert.Equal(t, domain.OrderStatusPending, changes[0].Current)
	assert.Equal(t, uint64(100), changes[0].Block)

	// Caught up: the next range starts after the cursor and is empty.
	require.NoError(t, d.PollOnce(ctx))
	assert.Len(t, h.src.fetches, 1)
}

func TestColdStartReplaysCursorBlockIdempotently(t *testing.T) {
	ctx := context.Background()
	ev := creationEvent(t, 105, 0, testHandler, sampleData())
	h := newHarness(newFakeSource(110, ev))

	require.NoError(t, h.driver(Config{Confirmations: 5}).PollOnce(ctx))
	require.Equal(t, 1, h.store.commits)

	// A restarted process replays block 105.
	restarted := newHarness(h.src)
	restarted.store = h.store
	require.NoError(t, restarted.driver(Config{Confirmations: 5}).PollOnce(ctx))

	last := h.src.lastFetch()
	require.NotNil(t, last.From)
	assert.Equal(t, uint64(105), *last.From)
	assert.Equal(t, 2, h.store.commits)
	assert.Len(t, h.store.orders, 1)
	assert.Len(t, h.store.history, 1, "replaying an unchanged order records no transition")
	assert.Empty(t, restarted.statusChanges(t))
	assert.Equal(t, uint64(105), h.store.cursorValue(t))
}

func TestPollOnceAdvancesCursorWithoutEvents(t *testing.T) {
	h := newHarness(newFakeSource(50))
	d := h.driver(Config{Confirmations: 2})

	require.NoError(t, d.PollOnce(context.Background()))
	assert.Equal(t, uint64(48), h.store.cursorValue(t))
	assert.Zero(t, h.store.commits)
}

func TestPollOnceQuarantinesBadEvents(t *testing.T) {
	ctx := context.Background()
	invalid := sampleData()
	invalid.NumParts = 1

	good := creationEvent(t, 100, 0, testHandler, sampleData())
	malformed := creationEvent(t, 101, 1, testHandler, sampleData())
	malformed.Params = []byte{0x01, 0x02, 0x03}
	bad := creationEvent(t, 102, 2, testHandler, invalid)
	foreign := creationEvent(t, 103, 3, otherHandler, sampleData())
	later := creationEvent(t, 104, 4, testHandler, sampleData())

	h := newHarness(newFakeSource(104, good, malformed, bad, foreign, later))
	h.archive.err = errRPC
	d := h.driver(Config{})

	require.NoError(t, d.PollOnce(ctx), "bad events never stall the chain")

	assert.Len(t, h.store.orders, 2)
	assert.Equal(t, uint64(104), h.store.cursorValue(t))

	letters, err := deadLetterView{h.store}.List(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, uint64(101), letters[0].BlockNumber)
	assert.Empty(t, letters[0].OrderID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, letters[0].Payload)
	assert.Equal(t, uint64(102), letters[1].BlockNumber)
	assert.Equal(t, orderIDOf(t, bad).Hex(), letters[1].OrderID)
	assert.Contains(t, letters[1].Reason, domain.ErrInvalidOrder.Error())

	assert.Len(t, h.archive.archived, 2, "archive failures are tolerated")
}

func TestTransientFailureAbortsBatchAndReplays(t *testing.T) {
	ctx := context.Background()
	ev0 := creationEvent(t, 100, 0, testHandler, sampleData())
	ev1 := creationEvent(t, 102, 1, testHandler, sampleData())
	ev2 := creationEvent(t, 104, 2, testHandler, sampleData())
	src := newFakeSource(104, ev0, ev1, ev2)
	src.tsErr[102] = errRPC
	h := newHarness(src)
	d := h.driver(Config{})

	err := d.PollOnce(ctx)
	require.ErrorIs(t, err, errRPC)
	assert.Len(t, h.store.orders, 1)
	assert.Equal(t, uint64(100), h.store.cursorValue(t), "cursor stops at the last committed event")
	assert.True(t, d.policy.ColdStart())

	src.mu.Lock()
	delete(src.tsErr, 102)
	src.mu.Unlock()

	require.NoError(t, d.PollOnce(ctx))
	last := src.lastFetch()
	require.NotNil(t, last.From)
	assert.Equal(t, uint64(100), *last.From)
	assert.Len(t, h.store.orders, 3)
	assert.Equal(t, uint64(104), h.store.cursorValue(t))
	assert.False(t, d.policy.ColdStart())
}

func TestCommitFailureAbortsBatch(t *testing.T) {
	ev := creationEvent(t, 100, 0, testHandler, sampleData())
	h := newHarness(newFakeSource(100, ev))
	h.store.commitErr = func(domain.TwapOrder) error { return errRPC }

	err := h.driver(Config{}).PollOnce(context.Background())
	require.ErrorIs(t, err, errRPC)
	assert.Nil(t, h.store.cursor)
}

func TestFetchFailureLeavesCursor(t *testing.T) {
	src := newFakeSource(100)
	src.fetchErr = errRPC
	h := newHarness(src)

	err := h.driver(Config{}).PollOnce(context.Background())
	require.ErrorIs(t, err, errRPC)
	assert.Nil(t, h.store.cursor)
}

func TestPollOnceClassifiesFromFills(t *testing.T) {
	ctx := context.Background()
	filled := creationEvent(t, 100, 0, testHandler, sampleData())
	removed := creationEvent(t, 101, 1, testHandler, sampleData())
	src := newFakeSource(101, filled, removed)
	src.inactive[orderIDOf(t, removed)] = true

	h := newHarness(src)
	h.now = time.Unix(1000+3*3600+10, 0)
	h.fetcher.fill = domain.PartFill{ExecutedSellAmount: big.NewInt(250), ExecutedBuyAmount: big.NewInt(10)}

	require.NoError(t, h.driver(Config{}).PollOnce(ctx))

	got, err := h.store.GetByID(ctx, orderIDOf(t, filled))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilled, got.Status)
	assert.Equal(t, "1000", got.ExecutedSellAmount.String())
	assert.Equal(t, "40", got.ExecutedBuyAmount.String())

	// A fully filled order stays fulfilled after its owner removes it.
	got, err = h.store.GetByID(ctx, orderIDOf(t, removed))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilled, got.Status)
}

func TestPollOnceCancelledOrder(t *testing.T) {
	ctx := context.Background()
	ev := creationEvent(t, 100, 0, testHandler, sampleData())
	src := newFakeSource(100, ev)
	src.inactive[orderIDOf(t, ev)] = true
	h := newHarness(src)

	require.NoError(t, h.driver(Config{}).PollOnce(ctx))

	got, err := h.store.GetByID(ctx, orderIDOf(t, ev))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
}

func TestRefreshPicksUpLaterFills(t *testing.T) {
	ctx := context.Background()
	ev := creationEvent(t, 100, 0, testHandler, sampleData())
	h := newHarness(newFakeSource(100, ev))
	h.now = time.Unix(1000+3*3600+10, 0)
	d := h.driver(Config{RefreshEvery: 1})

	require.NoError(t, d.PollOnce(ctx))
	id := orderIDOf(t, ev)
	got, err := h.store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, got.Status)

	h.fetcher.mu.Lock()
	h.fetcher.fill = domain.PartFill{ExecutedSellAmount: big.NewInt(250), ExecutedBuyAmount: big.NewInt(1)}
	h.fetcher.mu.Unlock()

	require.NoError(t, d.PollOnce(ctx))
	got, err = h.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilled, got.Status)

	history, err := h.store.ListHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.OrderStatusPending, history[1].Previous)
	assert.Equal(t, domain.OrderStatusFulfilled, history[1].Current)
	assert.Equal(t, uint64(100), h.store.cursorValue(t))
}

func TestPollOnceSkipsWhenNotLeader(t *testing.T) {
	h := newHarness(newFakeSource(100, creationEvent(t, 100, 0, testHandler, sampleData())))
	h.locks = &fakeLocks{held: true}

	require.NoError(t, h.driver(Config{}).PollOnce(context.Background()))
	assert.Empty(t, h.src.fetches)
	assert.Nil(t, h.store.cursor)
}

func TestRunStopsAndReleasesLock(t *testing.T) {
	h := newHarness(newFakeSource(100, creationEvent(t, 100, 0, testHandler, sampleData())))
	h.locks = &fakeLocks{}
	d := h.driver(Config{PollInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.commits > 0
	}, 2*time.Second, 5*time.Millisecond)

	d.Stop()
	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, StateStopping, d.State())
	assert.Equal(t, 1, h.locks.acquired)
	assert.Equal(t, 1, h.locks.released)
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	h := newHarness(newFakeSource(0))
	d := h.driver(Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.src.mu.Lock()
		defer h.src.mu.Unlock()
		return len(h.src.fetches) > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "committing", StateCommitting.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestOrchestratorRunsChainsIndependently(t *testing.T) {
	slow := newFakeSource(100)
	slow.fetchErr = errRPC
	healthy := newFakeSource(100, creationEvent(t, 100, 0, testHandler, sampleData()))

	hs := newHarness(slow)
	hh := newHarness(healthy)
	failing := hs.driver(Config{PollInterval: 5 * time.Millisecond})
	working := hh.driver(Config{ChainID: 2, PollInterval: 5 * time.Millisecond})

	o := NewOrchestrator([]*Driver{working, failing}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		hh.store.mu.Lock()
		defer hh.store.mu.Unlock()
		return hh.store.commits > 0
	}, 2*time.Second, 5*time.Millisecond)

	states := o.States()
	require.Len(t, states, 2)
	assert.Equal(t, uint64(1), states[0].ChainID)
	assert.Equal(t, uint64(2), states[1].ChainID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
