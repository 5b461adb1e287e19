package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/twapindexer/internal/crypto"
	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/twap"
)

var (
	testHandler  = common.HexToAddress("0x6cF1e9cA41f7611dEf408122793c358a3d11E5a5")
	otherHandler = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testOwner    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testSep      = crypto.SettlementDomain(1, crypto.SettlementAddress).Separator()
	errRPC       = errors.New("rpc unavailable")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleData() domain.TwapData {
	return domain.TwapData{
		SellToken:      common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		BuyToken:       common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Receiver:       testOwner,
		PartSellAmount: big.NewInt(250),
		MinPartLimit:   big.NewInt(1),
		StartTime:      1000,
		NumParts:       4,
		Interval:       3600,
		AppData:        common.HexToHash("0xaa"),
	}
}

// creationEvent builds a ConditionalOrderCreated event at block with a salt
// derived from n, so every n yields a distinct order id.
func creationEvent(t *testing.T, block uint64, n int, handler common.Address, d domain.TwapData) domain.RawCreationEvent {
	t.Helper()
	static, err := twap.EncodeStaticInput(d)
	require.NoError(t, err)
	params, err := twap.EncodeParams(twap.Params{
		Handler:     handler,
		Salt:        common.BigToHash(big.NewInt(int64(n + 1))),
		StaticInput: static,
	})
	require.NoError(t, err)
	return domain.RawCreationEvent{
		ChainID:     1,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(1000 + n))),
		LogIndex:    uint(n),
		Owner:       testOwner,
		Params:      params,
	}
}

func orderIDOf(t *testing.T, ev domain.RawCreationEvent) common.Hash {
	t.Helper()
	p, err := twap.DecodeParams(ev.Params)
	require.NoError(t, err)
	id, err := twap.OrderID(p)
	require.NoError(t, err)
	return id
}

// fakeSource is an in-memory chain.
type fakeSource struct {
	mu        sync.Mutex
	head      uint64
	events    []domain.RawCreationEvent
	timestamp time.Time
	tsErr     map[uint64]error
	fetchErr  error
	inactive  map[common.Hash]bool
	sep       common.Hash
	sepErr    error
	sepCalls  int
	fetches   []domain.BlockRange
}

func newFakeSource(head uint64, events ...domain.RawCreationEvent) *fakeSource {
	return &fakeSource{
		head:      head,
		events:    events,
		timestamp: time.Unix(900, 0).UTC(),
		tsErr:     map[uint64]error{},
		inactive:  map[common.Hash]bool{},
		sep:       testSep,
	}
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) BlockTimestamp(_ context.Context, number uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.tsErr[number]; err != nil {
		return time.Time{}, err
	}
	return f.timestamp, nil
}

func (f *fakeSource) FetchEvents(_ context.Context, r domain.BlockRange) ([]domain.RawCreationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, r)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var from uint64
	if r.From != nil {
		from = *r.From
	}
	var out []domain.RawCreationEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= r.To {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) IsActive(_ context.Context, _ common.Address, orderID common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.inactive[orderID], nil
}

func (f *fakeSource) DomainSeparator(context.Context) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sepCalls++
	return f.sep, f.sepErr
}

func (f *fakeSource) lastFetch() domain.BlockRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[len(f.fetches)-1]
}

// fakeFetcher answers part lookups with a fixed fill, or an error for uids
// listed in errs.
type fakeFetcher struct {
	mu    sync.Mutex
	fill  domain.PartFill
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) GetPartFill(_ context.Context, uid string) (domain.PartFill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uid)
	if err := f.errs[uid]; err != nil {
		return domain.PartFill{}, err
	}
	if f.fill.ExecutedSellAmount == nil {
		return domain.PartFill{}, domain.ErrNotFound
	}
	return f.fill, nil
}

// memStore implements every store interface the driver uses.
type memStore struct {
	mu          sync.Mutex
	cursor      *uint64
	orders      map[common.Hash]domain.TwapOrder
	parts       map[common.Hash][]domain.OrderPart
	history     []domain.StatusTransition
	deadLetters []domain.DeadLetter
	commits     int
	commitErr   func(order domain.TwapOrder) error
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[common.Hash]domain.TwapOrder{},
		parts:  map[common.Hash][]domain.OrderPart{},
	}
}

// cursorView and deadLetterView expose memStore under the interfaces whose
// List methods collide.
type cursorView struct{ *memStore }

type deadLetterView struct{ *memStore }

func (v cursorView) Get(_ context.Context, chainID uint64) (domain.ChainCursor, error) {
	m := v.memStore
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == nil {
		return domain.ChainCursor{}, domain.ErrNotFound
	}
	return domain.ChainCursor{ChainID: chainID, LastProcessedBlock: *m.cursor}, nil
}

func (v cursorView) List(ctx context.Context) ([]domain.ChainCursor, error) {
	c, err := v.Get(ctx, 1)
	if err != nil {
		return nil, nil
	}
	return []domain.ChainCursor{c}, nil
}

func (m *memStore) advance(block uint64) {
	if m.cursor == nil || block > *m.cursor {
		b := block
		m.cursor = &b
	}
}

func (m *memStore) Commit(_ context.Context, _, block uint64, order domain.TwapOrder, parts []domain.OrderPart) (domain.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		if err := m.commitErr(order); err != nil {
			return "", err
		}
	}
	if uint64(len(parts)) != order.NumParts {
		return "", fmt.Errorf("%w: %d parts for %d", domain.ErrPartCountMismatch, len(parts), order.NumParts)
	}
	m.commits++
	m.advance(block)
	prev := m.orders[order.OrderID].Status
	m.orders[order.OrderID] = order
	m.parts[order.OrderID] = parts
	if prev != order.Status {
		m.history = append(m.history, domain.StatusTransition{
			OrderID: order.OrderID, Previous: prev, Current: order.Status, BlockNumber: block,
		})
	}
	return prev, nil
}

func (m *memStore) CommitCursor(_ context.Context, _, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(block)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id common.Hash) (domain.TwapOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.TwapOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *memStore) ListParts(_ context.Context, id common.Hash) ([]domain.OrderPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts[id], nil
}

func (m *memStore) ListOpen(_ context.Context, _ uint64, limit int) ([]domain.TwapOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TwapOrder
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID.Hex() < out[j].OrderID.Hex() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByOwner(_ context.Context, owner common.Address, _ domain.ListOpts) ([]domain.TwapOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TwapOrder
	for _, o := range m.orders {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) ListHistory(_ context.Context, id common.Hash) ([]domain.StatusTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StatusTransition
	for _, h := range m.history {
		if h.OrderID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (v deadLetterView) Put(_ context.Context, dl domain.DeadLetter) error {
	m := v.memStore
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, dl)
	return nil
}

func (m *memStore) cursorValue(t *testing.T) uint64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotNil(t, m.cursor)
	return *m.cursor
}

func (v deadLetterView) List(_ context.Context, _ uint64, _ domain.ListOpts) ([]domain.DeadLetter, error) {
	m := v.memStore
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeadLetter(nil), m.deadLetters...), nil
}

type fakeArchive struct {
	mu       sync.Mutex
	err      error
	archived []domain.DeadLetter
}

func (f *fakeArchive) Archive(_ context.Context, dl domain.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, dl)
	return f.err
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[string][][]byte{}
	}
	f.messages[stream] = append(f.messages[stream], payload)
	return nil
}

func (f *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeLocks struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.acquired++
	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

func (f *fakeLocks) Refresh(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return domain.ErrLockHeld
	}
	return nil
}

type fakeDomainCache struct {
	mu  sync.Mutex
	m   map[uint64]common.Hash
	err error
}

func (f *fakeDomainCache) GetDomainSeparator(_ context.Context, chainID uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	sep, ok := f.m[chainID]
	if !ok {
		return common.Hash{}, domain.ErrNotFound
	}
	return sep, nil
}

func (f *fakeDomainCache) SetDomainSeparator(_ context.Context, chainID uint64, sep common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = map[uint64]common.Hash{}
	}
	f.m[chainID] = sep
	return nil
}
