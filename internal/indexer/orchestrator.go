package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs one Driver per configured chain. Chains share no mutable
// state, so a slow or failing chain never holds up the others.
type Orchestrator struct {
	drivers []*Driver
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator over drivers.
func NewOrchestrator(drivers []*Driver, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		drivers: drivers,
		logger:  logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every driver and blocks until all of them return. A driver only
// returns on shutdown, so Run returns nil unless a driver fails outright, in
// which case the remaining drivers are cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("indexer orchestrator starting", slog.Int("chains", len(o.drivers)))

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range o.drivers {
		g.Go(func() error {
			if err := d.Run(ctx); err != nil {
				return fmt.Errorf("chain %d: %w", d.ChainID(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("indexer orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("indexer orchestrator stopped cleanly")
	return nil
}

// Stop asks every driver to finish its current iteration and exit.
func (o *Orchestrator) Stop() {
	for _, d := range o.drivers {
		d.Stop()
	}
}

// ChainState is a snapshot of one driver for status reporting.
type ChainState struct {
	ChainID uint64 `json:"chain_id"`
	State   string `json:"state"`
}

// States reports the loop state of every chain, ordered by chain id.
func (o *Orchestrator) States() []ChainState {
	out := make([]ChainState, 0, len(o.drivers))
	for _, d := range o.drivers {
		out = append(out, ChainState{ChainID: d.ChainID(), State: d.State().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}
