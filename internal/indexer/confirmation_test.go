package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u64(v uint64) *uint64 { return &v }

func TestComputeRangeColdStartReplaysCursor(t *testing.T) {
	p := NewPolicy(5, 0)

	r := p.ComputeRange(u64(500), 600)
	require.False(t, r.Empty)
	require.NotNil(t, r.From)
	assert.Equal(t, uint64(500), *r.From)
	assert.Equal(t, uint64(595), r.To)

	p.Settle()
	r = p.ComputeRange(u64(500), 600)
	assert.Equal(t, uint64(501), *r.From)

	p.Replay()
	assert.True(t, p.ColdStart())
	r = p.ComputeRange(u64(500), 600)
	assert.Equal(t, uint64(500), *r.From)
}

func TestComputeRangeEmpty(t *testing.T) {
	tests := []struct {
		name   string
		policy *Policy
		settle bool
		cursor *uint64
		head   uint64
	}{
		{name: "head below confirmations", policy: NewPolicy(12, 0), head: 11},
		{name: "safe head below start block", policy: NewPolicy(2, 100), head: 101},
		{name: "caught up", policy: NewPolicy(0, 0), settle: true, cursor: u64(600), head: 600},
		{name: "cursor ahead of safe head", policy: NewPolicy(10, 0), cursor: u64(600), head: 605},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.settle {
				tt.policy.Settle()
			}
			assert.True(t, tt.policy.ComputeRange(tt.cursor, tt.head).Empty)
		})
	}
}

func TestComputeRangeWithoutCursor(t *testing.T) {
	p := NewPolicy(3, 100)

	r := p.ComputeRange(nil, 200)
	assert.False(t, r.Empty)
	assert.Nil(t, r.From)
	assert.Equal(t, uint64(197), r.To)

	// Cold start has no effect without a cursor.
	p.Settle()
	assert.Nil(t, p.ComputeRange(nil, 200).From)
}

func TestComputeRangeZeroConfirmations(t *testing.T) {
	p := NewPolicy(0, 0)
	p.Settle()
	r := p.ComputeRange(u64(9), 10)
	assert.False(t, r.Empty)
	assert.Equal(t, uint64(10), *r.From)
	assert.Equal(t, uint64(10), r.To)
}
