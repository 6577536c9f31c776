// Package simulator produces the synthetic metrics time series for a
// run. The default generator simulates a ramp-up load profile in a
// bounded burst so execution cost does not scale with the requested
// duration. A real load-driving engine can replace it behind the same
// Generator interface without touching the orchestrator or store.
package simulator

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// tickInterval is the synthetic cadence between observations,
// independent of real elapsed time.
const tickInterval = 2 * time.Second

// DataPoint is one discrete metrics observation within a run.
type DataPoint struct {
	HTTPReqs        int     `json:"http_reqs"`
	HTTPReqDuration float64 `json:"http_req_duration"`
	HTTPReqFailed   int     `json:"http_req_failed"`
	VUs             int     `json:"vus"`
	Iterations      int     `json:"iterations"`
}

// Tick pairs a data point with its position on the run's timeline.
type Tick struct {
	Timestamp time.Time
	Point     DataPoint
}

// Summary is the reduction of all ticks of a completed run.
type Summary struct {
	HTTPReqs           int     `json:"http_reqs"`
	HTTPReqDurationAvg float64 `json:"http_req_duration_avg"`
	HTTPReqDurationP95 float64 `json:"http_req_duration_p95"`
	HTTPReqDurationP99 float64 `json:"http_req_duration_p99"`
	HTTPReqFailed      int     `json:"http_req_failed"`
	DataReceived       int64   `json:"data_received"`
	DataSent           int64   `json:"data_sent"`
	Iterations         int     `json:"iterations"`
	VUsMax             int     `json:"vus_max"`
}

// Generator produces the metrics time series and summary for a run.
type Generator interface {
	Generate(vus, durationSeconds int, start time.Time) ([]Tick, Summary)
}

// Compile-time interface check.
var _ Generator = (*synthetic)(nil)

type synthetic struct{}

// NewSynthetic creates the default stochastic generator.
func NewSynthetic() Generator {
	return &synthetic{}
}

// TickCount returns the number of synthetic observations for a
// duration: half the duration in seconds, clamped to [3, 15].
func TickCount(durationSeconds int) int {
	ticks := durationSeconds / 2
	if ticks < 3 {
		ticks = 3
	}

	if ticks > 15 {
		ticks = 15
	}

	return ticks
}

// Generate simulates a run: active VUs ramp linearly to full
// concurrency within the first ~30% of ticks, then hold. Per-tick
// values are randomized; callers must not expect exact numbers.
func (g *synthetic) Generate(
	vus, durationSeconds int, start time.Time,
) ([]Tick, Summary) {
	totalTicks := TickCount(durationSeconds)

	var (
		totalReqs       int
		totalIterations int
		totalFailed     int
		dataReceived    float64
		dataSent        float64
	)

	ticks := make([]Tick, 0, totalTicks)
	durations := make([]float64, 0, totalTicks)

	for i := 0; i < totalTicks; i++ {
		rampFactor := math.Min(1, float64(i+1)/math.Max(1, float64(totalTicks)*0.3))
		activeVUs := int(float64(vus) * rampFactor)
		reqs := int(float64(activeVUs) * uniform(2, 5))
		avgDuration := uniform(50, 250)
		failed := int(float64(reqs) * uniform(0, 0.03))
		iterations := reqs / 2

		totalReqs += reqs
		totalIterations += iterations
		totalFailed += failed
		dataReceived += float64(reqs) * uniform(5000, 20000)
		dataSent += float64(reqs) * uniform(500, 2500)
		durations = append(durations, avgDuration)

		ticks = append(ticks, Tick{
			Timestamp: start.Add(time.Duration(i) * tickInterval),
			Point: DataPoint{
				HTTPReqs:        reqs,
				HTTPReqDuration: avgDuration,
				HTTPReqFailed:   failed,
				VUs:             activeVUs,
				Iterations:      iterations,
			},
		})
	}

	avg := mean(durations)
	p95 := percentile(durations, 0.95, avg)
	p99 := percentile(durations, 0.99, p95*1.2)

	return ticks, Summary{
		HTTPReqs:           totalReqs,
		HTTPReqDurationAvg: round2(avg),
		HTTPReqDurationP95: round2(p95),
		HTTPReqDurationP99: round2(p99),
		HTTPReqFailed:      totalFailed,
		DataReceived:       int64(math.Round(dataReceived)),
		DataSent:           int64(math.Round(dataSent)),
		Iterations:         totalIterations,
		VUsMax:             vus,
	}
}

// uniform draws from [lo, hi).
func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// percentile returns the nearest-rank percentile of values: the
// element at floor(n*p) of the ascending sort, without interpolation.
// The fallback is used when the index lands past the end.
func percentile(values []float64, p, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		return fallback
	}

	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
