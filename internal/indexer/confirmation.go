package indexer

import "github.com/alanyoungcy/twapindexer/internal/domain"

// Policy computes the block range each poll may safely process for one
// chain. It owns the chain's cold-start flag, so a Policy must not be shared
// between chains.
type Policy struct {
	confirmations uint64
	startBlock    uint64
	coldStart     bool
}

// NewPolicy returns a Policy in cold-start mode.
func NewPolicy(confirmations, startBlock uint64) *Policy {
	return &Policy{
		confirmations: confirmations,
		startBlock:    startBlock,
		coldStart:     true,
	}
}

// ComputeRange returns the next range to fetch given the stored cursor (nil
// when none exists) and the current chain head.
//
// to is head minus the confirmation lag. Without a cursor From is nil and the
// fetch starts at the configured start block. With a cursor, From is the
// cursor itself while in cold-start mode, so a block that a previous process
// may have committed only partly is replayed, and cursor+1 afterwards.
func (p *Policy) ComputeRange(cursor *uint64, head uint64) domain.BlockRange {
	if head < p.confirmations {
		return domain.BlockRange{Empty: true}
	}
	to := head - p.confirmations

	if cursor == nil {
		return domain.BlockRange{To: to, Empty: to < p.startBlock}
	}

	from := *cursor
	if !p.coldStart {
		from++
	}
	return domain.BlockRange{From: &from, To: to, Empty: to < from}
}

// ColdStart reports whether the next range will replay the cursor block.
func (p *Policy) ColdStart() bool {
	return p.coldStart
}

// Settle leaves cold-start mode. The driver calls it once a range has been
// processed completely.
func (p *Policy) Settle() {
	p.coldStart = false
}

// Replay re-enters cold-start mode after a batch was abandoned part way, so
// the partly committed cursor block is processed again.
func (p *Policy) Replay() {
	p.coldStart = true
}
