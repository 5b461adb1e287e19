// Package ethrpc reads ComposableCoW creation events and contract state from
// an Ethereum JSON-RPC endpoint.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/twap"
)

// contractABI holds the two read-only views the indexer calls.
const contractABI = `[
	{"type":"function","name":"singleOrders","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"hash","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"domainSeparator","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

var parsedABI = mustParseABI(contractABI)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("ethrpc: parse abi: %v", err))
	}
	return a
}

// backend is the subset of ethclient.Client used here.
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config describes one chain deployment.
type Config struct {
	ChainID       uint64
	RPCURL        string
	ComposableCoW common.Address
	Settlement    common.Address
	StartBlock    uint64
	MaxBlockSpan  uint64
	CallTimeout   time.Duration
}

// Client is a chain source for a single deployment.
type Client struct {
	cfg        Config
	be         backend
	closer     func()
	timestamps *lru.Cache[uint64, uint64]
	logger     *slog.Logger
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: dial chain %d: %w", cfg.ChainID, err)
	}
	c := newClient(cfg, ec, logger)
	c.closer = ec.Close
	return c, nil
}

func newClient(cfg Config, be backend, logger *slog.Logger) *Client {
	if cfg.MaxBlockSpan == 0 {
		cfg.MaxBlockSpan = 5000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		be:         be,
		timestamps: lru.NewCache[uint64, uint64](4096),
		logger:     logger.With(slog.String("component", "ethrpc"), slog.Uint64("chain_id", cfg.ChainID)),
	}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() uint64 { return c.cfg.ChainID }

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	n, err := c.be.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ethrpc: block number: %w", err)
	}
	return n, nil
}

// BlockTimestamp returns the timestamp of block number. Results are cached
// because every event in a block shares it.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := c.timestamps.Get(number); ok {
		return time.Unix(int64(ts), 0).UTC(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	h, err := c.be.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("ethrpc: header %d: %w", number, err)
	}
	c.timestamps.Add(number, h.Time)
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

// FetchEvents returns every ConditionalOrderCreated log emitted by the
// ComposableCoW contract in r, ordered by (block, log index). The range is
// queried in pages of at most MaxBlockSpan blocks; any failing page fails the
// whole call.
func (c *Client) FetchEvents(ctx context.Context, r domain.BlockRange) ([]domain.RawCreationEvent, error) {
	if r.Empty {
		return nil, domain.ErrEmptyRange
	}
	from := c.cfg.StartBlock
	if r.From != nil {
		from = *r.From
	}
	if r.To < from {
		return nil, domain.ErrEmptyRange
	}

	var events []domain.RawCreationEvent
	for start := from; start <= r.To; {
		end := start + c.cfg.MaxBlockSpan - 1
		if end > r.To || end < start {
			end = r.To
		}
		page, err := c.fetchPage(ctx, start, end)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if end == r.To {
			break
		}
		start = end + 1
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func (c *Client) fetchPage(ctx context.Context, from, to uint64) ([]domain.RawCreationEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	logs, err := c.be.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.cfg.ComposableCoW},
		Topics:    [][]common.Hash{{twap.CreatedEventTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("ethrpc: filter logs %d-%d: %w", from, to, err)
	}

	out := make([]domain.RawCreationEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if len(l.Topics) < 2 {
			c.logger.Warn("creation log without owner topic",
				slog.String("tx_hash", l.TxHash.Hex()),
				slog.Uint64("block", l.BlockNumber),
				slog.Uint64("log_index", uint64(l.Index)),
			)
			continue
		}
		out = append(out, domain.RawCreationEvent{
			ChainID:     c.cfg.ChainID,
			BlockNumber: l.BlockNumber,
			BlockHash:   l.BlockHash,
			TxHash:      l.TxHash,
			LogIndex:    l.Index,
			Owner:       common.BytesToAddress(l.Topics[1].Bytes()),
			Params:      l.Data,
		})
	}
	return out, nil
}

// IsActive reports ComposableCoW.singleOrders(owner, orderID).
func (c *Client) IsActive(ctx context.Context, owner common.Address, orderID common.Hash) (bool, error) {
	out, err := c.call(ctx, c.cfg.ComposableCoW, "singleOrders", owner, orderID)
	if err != nil {
		return false, err
	}
	active, ok := out[0].(bool)
	if !ok {
		return false, errors.New("ethrpc: singleOrders: unexpected return type")
	}
	return active, nil
}

// DomainSeparator reads GPv2Settlement.domainSeparator().
func (c *Client) DomainSeparator(ctx context.Context) (common.Hash, error) {
	out, err := c.call(ctx, c.cfg.Settlement, "domainSeparator")
	if err != nil {
		return common.Hash{}, err
	}
	sep, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, errors.New("ethrpc: domainSeparator: unexpected return type")
	}
	return common.Hash(sep), nil
}

func (c *Client) call(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	input, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	raw, err := c.be.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: call %s: %w", method, err)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ethrpc: %s returned no values", method)
	}
	return out, nil
}
