package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/twapindexer/internal/indexer"
	"github.com/alanyoungcy/twapindexer/internal/platform/ethrpc"
	"github.com/alanyoungcy/twapindexer/internal/platform/orderbook"
	"github.com/alanyoungcy/twapindexer/internal/server"
	"github.com/alanyoungcy/twapindexer/internal/server/handler"
	"github.com/alanyoungcy/twapindexer/internal/server/ws"
)

// IndexMode polls every configured chain until the context is cancelled.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode")

	orch, err := a.buildOrchestrator(ctx, deps)
	if err != nil {
		return err
	}
	return orch.Run(ctx)
}

// ServerMode serves the read-only status API without indexing. Chain loop
// states are not reported since no driver runs in this process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs the indexer and the status API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	orch, err := a.buildOrchestrator(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, func() []handler.ChainState {
		states := orch.States()
		out := make([]handler.ChainState, len(states))
		for i, s := range states {
			out[i] = handler.ChainState{ChainID: s.ChainID, State: s.State}
		}
		return out
	})
	return g.Wait()
}

// buildOrchestrator dials every chain and creates its driver. RPC clients are
// closed with the rest of the application.
func (a *App) buildOrchestrator(ctx context.Context, deps *Dependencies) (*indexer.Orchestrator, error) {
	ic := a.cfg.Indexer
	drivers := make([]*indexer.Driver, 0, len(a.cfg.Chains))

	for _, cc := range a.cfg.Chains {
		rpc, err := ethrpc.Dial(ctx, ethrpc.Config{
			ChainID:       cc.ChainID,
			RPCURL:        cc.RPCURL,
			ComposableCoW: common.HexToAddress(cc.ComposableCoW),
			Settlement:    common.HexToAddress(cc.Settlement),
			StartBlock:    cc.StartBlock,
			MaxBlockSpan:  cc.MaxBlockSpanOr(ic.MaxBlockSpan),
			CallTimeout:   ic.CallTimeout.Duration,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: dial %s: %w", cc.Label(), err)
		}
		a.closers = append(a.closers, rpc.Close)

		book := orderbook.NewClient(cc.OrderbookURL, orderbook.Options{
			Timeout:    a.cfg.Orderbook.Timeout.Duration,
			MaxRetries: uint(max(a.cfg.Orderbook.MaxRetries, 0)),
			RateLimit:  a.cfg.Orderbook.RateLimit,
			RateBurst:  a.cfg.Orderbook.RateBurst,
		})

		driverDeps := indexer.Deps{
			Source:      rpc,
			Orderbook:   book,
			Cursors:     deps.Cursors,
			Orders:      deps.Orders,
			Writer:      deps.Writer,
			DeadLetters: deps.DeadLetters,
			Locks:       deps.LockManager,
			Bus:         deps.SignalBus,
			DomainCache: deps.DomainCache,
			Logger:      a.logger,
		}
		if deps.Archive != nil {
			driverDeps.Archive = deps.Archive
		}

		drivers = append(drivers, indexer.New(indexer.Config{
			ChainID:       cc.ChainID,
			Name:          cc.Name,
			Handler:       common.HexToAddress(cc.TwapHandler),
			Settlement:    common.HexToAddress(cc.Settlement),
			StartBlock:    cc.StartBlock,
			Confirmations: cc.ConfirmationsOr(ic.Confirmations),
			PollInterval:  cc.PollIntervalOr(ic.PollInterval.Duration),
			RefreshEvery:  ic.RefreshEvery,
			RefreshBatch:  ic.RefreshBatch,
			CommitTimeout: ic.CommitTimeout.Duration,
			LockTTL:       ic.LockTTL.Duration,
			MaxLookups:    a.cfg.Orderbook.MaxConcurrency,
		}, driverDeps))

		a.logger.InfoContext(ctx, "chain configured",
			slog.Uint64("chain_id", cc.ChainID),
			slog.String("chain", cc.Label()),
			slog.Uint64("start_block", cc.StartBlock),
		)
	}

	return indexer.NewOrchestrator(drivers, a.logger), nil
}

// pingFunc adapts a health probe with a different method name to
// handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// startHTTPServer registers the status server on g. It shuts down gracefully
// once ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, states handler.StateSource) {
	checks := map[string]handler.Pinger{"postgres": deps.Postgres}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.S3 != nil {
		checks["s3"] = pingFunc(deps.S3.Health)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Orders: handler.NewOrderHandler(deps.Orders, a.logger),
		Chains: handler.NewChainHandler(deps.Cursors, deps.DeadLetters, deps.SignalBus, states, a.logger),
	}

	if deps.SignalBus != nil {
		chainIDs := make([]uint64, len(a.cfg.Chains))
		for i, cc := range a.cfg.Chains {
			chainIDs[i] = cc.ChainID
		}
		hub := ws.NewHub(deps.SignalBus, chainIDs, time.Second, a.logger)
		handlers.Stream = hub
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
		RateLimit:    a.cfg.Server.RateLimit,
		RateBurst:    a.cfg.Server.RateBurst,
	}, handlers, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
