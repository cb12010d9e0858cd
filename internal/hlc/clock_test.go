package hlc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
)

func TestClock_NowMonotonic(t *testing.T) {
	source := hlc.NewManualClock(1000)
	clock := hlc.NewClock("A", source, 10*time.Second)

	prev := clock.Now()
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			source.Advance(time.Millisecond)
		}
		ts := clock.Now()
		assert.True(t, prev.Before(ts), "emission %d did not advance: %v then %v", i, prev, ts)
		prev = ts
	}
}

func TestClock_NowBumpsLogicalWhenWallStalls(t *testing.T) {
	source := hlc.NewManualClock(1000)
	clock := hlc.NewClock("A", source, 10*time.Second)

	first := clock.Now()
	second := clock.Now()

	assert.Equal(t, first.PhysicalMillis, second.PhysicalMillis)
	assert.Equal(t, first.Logical+1, second.Logical)
}

func TestClock_ObserveExceedsRemote(t *testing.T) {
	tests := []struct {
		name   string
		local  int64
		remote hlc.Timestamp
	}{
		{
			name:   "remote ahead of local wall",
			local:  1000,
			remote: hlc.Timestamp{PhysicalMillis: 1500, Logical: 7, NodeID: "B"},
		},
		{
			name:   "remote behind local wall",
			local:  2000,
			remote: hlc.Timestamp{PhysicalMillis: 1500, Logical: 3, NodeID: "B"},
		},
		{
			name:   "remote equal to local wall",
			local:  1500,
			remote: hlc.Timestamp{PhysicalMillis: 1500, Logical: 9, NodeID: "B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := hlc.NewManualClock(tt.local)
			clock := hlc.NewClock("A", source, 10*time.Second)
			before := clock.Now()

			merged, err := clock.Observe(tt.remote)
			require.NoError(t, err)
			assert.True(t, merged.After(tt.remote), "merged %v not after remote %v", merged, tt.remote)
			assert.True(t, merged.After(before), "merged %v not after prior local %v", merged, before)

			next := clock.Now()
			assert.True(t, next.After(tt.remote))
			assert.True(t, next.After(merged))
		})
	}
}

func TestClock_ObserveRejectsSkewedRemote(t *testing.T) {
	source := hlc.NewManualClock(100_000)
	clock := hlc.NewClock("A", source, 10*time.Second)

	_, err := clock.Observe(hlc.Timestamp{PhysicalMillis: 200_000, NodeID: "B"})
	require.Error(t, err)
	assert.Equal(t, errors.KindClockSkew, errors.KindOf(err))

	// Skew applies in both directions.
	_, err = clock.Observe(hlc.Timestamp{PhysicalMillis: 50_000, NodeID: "B"})
	require.Error(t, err)
	assert.Equal(t, errors.KindClockSkew, errors.KindOf(err))

	// At the boundary the remote is still accepted.
	_, err = clock.Observe(hlc.Timestamp{PhysicalMillis: 110_000, NodeID: "B"})
	assert.NoError(t, err)
}

func TestTimestamp_CompareOrdersLexicographically(t *testing.T) {
	a := hlc.Timestamp{PhysicalMillis: 100, Logical: 0, NodeID: "A"}
	b := hlc.Timestamp{PhysicalMillis: 100, Logical: 0, NodeID: "B"}
	c := hlc.Timestamp{PhysicalMillis: 100, Logical: 1, NodeID: "A"}
	d := hlc.Timestamp{PhysicalMillis: 101, Logical: 0, NodeID: "A"}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.True(t, c.Before(d))
	assert.Equal(t, 0, a.Compare(a))
}
