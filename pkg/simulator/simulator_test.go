package simulator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadpulse/loadpulse/pkg/simulator"
)

func TestTickCount(t *testing.T) {
	tests := []struct {
		durationSeconds int
		want            int
	}{
		{4, 3},   // floor(4/2)=2, clamped up to 3
		{0, 3},
		{6, 3},
		{10, 5},
		{20, 10},
		{30, 15},
		{60, 15}, // floor(60/2)=30, clamped down to 15
		{7200, 15},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, simulator.TickCount(tt.durationSeconds),
			"duration %ds", tt.durationSeconds)
	}
}

func TestGenerate_TickStructure(t *testing.T) {
	gen := simulator.NewSynthetic()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ticks, summary := gen.Generate(50, 10, start)

	require.Len(t, ticks, 5)
	assert.Equal(t, 50, summary.VUsMax)

	for i, tick := range ticks {
		// Fixed 2-second synthetic cadence.
		wantTS := start.Add(time.Duration(i) * 2 * time.Second)
		assert.Equal(t, wantTS, tick.Timestamp, "tick %d timestamp", i)

		assert.LessOrEqual(t, tick.Point.VUs, 50, "tick %d vus", i)
		assert.GreaterOrEqual(t, tick.Point.VUs, 0, "tick %d vus", i)
		assert.LessOrEqual(t, tick.Point.HTTPReqFailed, tick.Point.HTTPReqs,
			"tick %d failures exceed requests", i)
		assert.Equal(t, tick.Point.HTTPReqs/2, tick.Point.Iterations,
			"tick %d iterations", i)
		assert.GreaterOrEqual(t, tick.Point.HTTPReqDuration, 50.0)
		assert.Less(t, tick.Point.HTTPReqDuration, 250.0)
	}
}

func TestGenerate_RampReachesFullConcurrency(t *testing.T) {
	gen := simulator.NewSynthetic()

	ticks, _ := gen.Generate(100, 30, time.Now())
	require.Len(t, ticks, 15)

	// The ramp holds at full concurrency after the first ~30% of ticks.
	for _, tick := range ticks[5:] {
		assert.Equal(t, 100, tick.Point.VUs)
	}

	// Early ticks ramp monotonically.
	for i := 1; i < len(ticks); i++ {
		assert.GreaterOrEqual(t, ticks[i].Point.VUs, ticks[i-1].Point.VUs)
	}
}

func TestGenerate_SummaryConsistency(t *testing.T) {
	gen := simulator.NewSynthetic()

	for i := 0; i < 20; i++ {
		ticks, summary := gen.Generate(200, 60, time.Now())

		var reqs, failed, iterations int
		for _, tick := range ticks {
			reqs += tick.Point.HTTPReqs
			failed += tick.Point.HTTPReqFailed
			iterations += tick.Point.Iterations
		}

		assert.Equal(t, reqs, summary.HTTPReqs)
		assert.Equal(t, failed, summary.HTTPReqFailed)
		assert.Equal(t, iterations, summary.Iterations)
	}
}

func TestGenerate_PercentileOrdering(t *testing.T) {
	gen := simulator.NewSynthetic()

	for i := 0; i < 50; i++ {
		_, summary := gen.Generate(100, 60, time.Now())

		assert.LessOrEqual(t, summary.HTTPReqDurationP95,
			summary.HTTPReqDurationP99)
		assert.Greater(t, summary.HTTPReqDurationAvg, 0.0)
	}
}

func TestGenerate_DataVolumesPositive(t *testing.T) {
	gen := simulator.NewSynthetic()

	_, summary := gen.Generate(100, 60, time.Now())

	assert.Positive(t, summary.DataReceived)
	assert.Positive(t, summary.DataSent)
	assert.Greater(t, summary.DataReceived, summary.DataSent,
		"per-request receive estimates dominate send estimates")
}
