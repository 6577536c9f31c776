// Package orchestrator drives the run lifecycle: admission control at
// submission time, then asynchronous execution from queued through a
// terminal status. It holds no authoritative state of its own; every
// state change goes through the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/loadpulse/loadpulse/pkg/config"
	"github.com/loadpulse/loadpulse/pkg/simulator"
	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

const (
	// defaultExecutionTimeout bounds a single background execution,
	// generation and persistence included.
	defaultExecutionTimeout = 2 * time.Minute

	// failTimeout bounds the terminal transition of a failed run. The
	// execution context may already be past its deadline when a
	// failure is recorded.
	failTimeout = 10 * time.Second

	// fallbackDurationSeconds is used when a run's stored duration
	// does not match the duration grammar.
	fallbackDurationSeconds = 30
)

var (
	runsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadpulse_runs_submitted_total",
		Help: "Runs admitted and queued for execution.",
	})
	runsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadpulse_runs_rejected_total",
		Help: "Run submissions rejected at admission.",
	}, []string{"reason"})
	runsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadpulse_runs_completed_total",
		Help: "Runs that reached completed status.",
	})
	runsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadpulse_runs_failed_total",
		Help: "Runs that reached failed status.",
	})
)

// Orchestrator admits and executes runs.
type Orchestrator interface {
	// Submit validates the request against tier policy and the
	// account's concurrency limit, creates the queued run, and
	// schedules background execution. It returns before execution
	// starts unless inline mode is configured.
	Submit(ctx context.Context, accountID string, t tier.Tier, scriptID string, cfg store.RunConfig) (*store.Run, error)

	// Stop waits for all in-flight executions to finish.
	Stop() error
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log     logrus.FieldLogger
	store   store.Store
	gen     simulator.Generator
	inline  bool
	timeout time.Duration
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

// New creates a new orchestrator. The generator is pluggable so a
// real load-driving engine can replace the synthetic one.
func New(
	log logrus.FieldLogger,
	cfg *config.ExecutionConfig,
	st store.Store,
	gen simulator.Generator,
) Orchestrator {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = config.DefaultMaxParallelExecutions
	}

	timeout := defaultExecutionTimeout
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}

	return &orchestrator{
		log:     log.WithField("component", "orchestrator"),
		store:   st,
		gen:     gen,
		inline:  cfg.Inline,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(maxParallel)),
	}
}

func (o *orchestrator) Submit(
	ctx context.Context,
	accountID string,
	t tier.Tier,
	scriptID string,
	cfg store.RunConfig,
) (*store.Run, error) {
	if err := tier.Validate(tier.RunConfig{
		VUs:      cfg.VUs,
		Duration: cfg.Duration,
		Regions:  cfg.Regions,
	}, t); err != nil {
		runsRejected.WithLabelValues("policy").Inc()

		return nil, err
	}

	limits := tier.LimitsFor(t)

	run, err := o.store.AdmitRun(
		ctx, accountID, scriptID, cfg, limits.MaxConcurrentTests,
	)
	if err != nil {
		var capErr *store.CapacityError
		if errors.As(err, &capErr) {
			runsRejected.WithLabelValues("capacity").Inc()
		} else {
			runsRejected.WithLabelValues("not_found").Inc()
		}

		return nil, err
	}

	runsSubmitted.Inc()

	o.log.WithFields(logrus.Fields{
		"run":      run.ID,
		"account":  accountID,
		"vus":      cfg.VUs,
		"duration": cfg.Duration,
	}).Info("Run admitted")

	if o.inline {
		// Degraded mode: no background completion guarantee from the
		// host, so execute before returning.
		o.execute(run.ID)

		return o.store.GetRunByID(ctx, run.ID)
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		o.execute(run.ID)
	}()

	return run, nil
}

// Stop waits for in-flight executions. Submissions arriving after
// Stop are the caller's responsibility to prevent.
func (o *orchestrator) Stop() error {
	o.wg.Wait()

	o.log.Info("Orchestrator stopped")

	return nil
}

// execute drives one run from queued to a terminal status. It is the
// terminal error boundary for background execution: any failure is
// converted into a failed run and never propagated.
func (o *orchestrator) execute(runID string) {
	// Detached from the submitting request; the run must finish even
	// after the caller's context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.fail(runID, fmt.Sprintf("panic during execution: %v", r))
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(runID, fmt.Sprintf("acquiring execution slot: %v", err))

		return
	}
	defer o.sem.Release(1)

	run, err := o.store.GetRunByID(ctx, runID)
	if err != nil {
		o.log.WithError(err).WithField("run", runID).
			Error("Run vanished before execution")

		return
	}

	started := time.Now().UTC()
	if err := o.store.Transition(ctx, runID, store.StatusRunning,
		store.TransitionFields{StartedAt: &started}); err != nil {
		o.fail(runID, fmt.Sprintf("starting run: %v", err))

		return
	}

	// Admission treats an unparseable duration as 0s; execution falls
	// back to a short default run instead of a degenerate one.
	seconds := tier.ParseDuration(run.Config.Duration)
	if !tier.ValidDuration(run.Config.Duration) {
		seconds = fallbackDurationSeconds
	}

	ticks, summary := o.gen.Generate(run.Config.VUs, seconds, started)

	// Ticks are appended in timestamp order so readers observe a
	// monotonic series.
	for i := range ticks {
		if err := o.store.AppendTick(ctx, &store.MetricTick{
			RunID:     runID,
			Timestamp: ticks[i].Timestamp,
			Data: store.DataPoint{
				HTTPReqs:        ticks[i].Point.HTTPReqs,
				HTTPReqDuration: ticks[i].Point.HTTPReqDuration,
				HTTPReqFailed:   ticks[i].Point.HTTPReqFailed,
				VUs:             ticks[i].Point.VUs,
				Iterations:      ticks[i].Point.Iterations,
			},
		}); err != nil {
			o.fail(runID, fmt.Sprintf("persisting tick %d: %v", i, err))

			return
		}
	}

	completed := time.Now().UTC()
	if err := o.store.Transition(ctx, runID, store.StatusCompleted,
		store.TransitionFields{
			CompletedAt: &completed,
			Summary: &store.MetricsSummary{
				HTTPReqs:           summary.HTTPReqs,
				HTTPReqDurationAvg: summary.HTTPReqDurationAvg,
				HTTPReqDurationP95: summary.HTTPReqDurationP95,
				HTTPReqDurationP99: summary.HTTPReqDurationP99,
				HTTPReqFailed:      summary.HTTPReqFailed,
				DataReceived:       summary.DataReceived,
				DataSent:           summary.DataSent,
				Iterations:         summary.Iterations,
				VUsMax:             summary.VUsMax,
			},
		}); err != nil {
		o.fail(runID, fmt.Sprintf("completing run: %v", err))

		return
	}

	runsCompleted.Inc()

	o.log.WithFields(logrus.Fields{
		"run":      runID,
		"ticks":    len(ticks),
		"requests": summary.HTTPReqs,
	}).Info("Run completed")
}

// fail marks a run failed. Errors here are logged and swallowed;
// there is no caller left to surface them to. It uses its own context
// so a run can still reach failed after the execution deadline.
func (o *orchestrator) fail(runID, cause string) {
	runsFailed.Inc()

	o.log.WithField("run", runID).WithField("cause", cause).
		Warn("Run execution failed")

	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()

	now := time.Now().UTC()

	err := o.store.Transition(ctx, runID, store.StatusFailed,
		store.TransitionFields{CompletedAt: &now, ErrorMessage: &cause})
	if err != nil {
		// An invalid transition here means the run already reached a
		// terminal status; anything else is unexpected.
		o.log.WithError(err).WithField("run", runID).
			Error("Failed to mark run as failed")
	}
}
