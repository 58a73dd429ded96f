// Package dispatcher fans configured sources out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/metrics"
	"github.com/JakeFAU/source-collector/internal/pipeline"
	"github.com/JakeFAU/source-collector/internal/queue/memory"
	"github.com/JakeFAU/source-collector/internal/worker"
)

// Concurrency bounds.
const (
	MinConcurrency = 1
	MaxConcurrency = 8
)

// Summary describes one run over a set of sources.
type Summary struct {
	Started  time.Time
	Finished time.Time
	Reports  []pipeline.Report
	// Err is the fatal error that ended the run early, if any.
	Err error
}

// Count returns how many outcomes across all reports ended in state.
func (s Summary) Count(state collector.State) int {
	n := 0
	for _, r := range s.Reports {
		n += r.Count(state)
	}
	return n
}

// Failures returns the number of contained per-source errors.
func (s Summary) Failures() int {
	n := 0
	for _, r := range s.Reports {
		n += len(r.Failed())
	}
	return n
}

// Dispatcher runs sources through a worker pool.
type Dispatcher struct {
	runner      worker.Runner
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
}

// New creates a Dispatcher. concurrency is clamped to [MinConcurrency, MaxConcurrency].
func New(runner worker.Runner, concurrency int, clock collector.Clock, logger *zap.Logger) *Dispatcher {
	if concurrency < MinConcurrency {
		concurrency = MinConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Dispatcher{runner: runner, concurrency: concurrency, now: now, logger: logger}
}

// Concurrency returns the effective worker count.
func (d *Dispatcher) Concurrency() int {
	return d.concurrency
}

// Run collects every source once and blocks until all workers finish. A fatal error stops
// further dequeuing; tasks already in flight complete. The returned error is the fatal one.
func (d *Dispatcher) Run(ctx context.Context, sources []collector.SourceConfig) (Summary, error) {
	summary := Summary{Started: d.now()}

	q := memory.NewQueue(len(sources))
	for _, src := range sources {
		if err := q.Enqueue(ctx, collector.Task{Source: src, Submitted: summary.Started}); err != nil {
			q.Close()
			return summary, fmt.Errorf("queue enqueue: %w", err)
		}
	}
	q.Close()

	var mu sync.Mutex
	sink := func(r pipeline.Report) {
		mu.Lock()
		defer mu.Unlock()
		summary.Reports = append(summary.Reports, r)
	}

	workers := d.concurrency
	if len(sources) < workers {
		workers = max(len(sources), 1)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		w := worker.New(i, q, d.runner, sink, d.logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()

	summary.Finished = d.now()
	summary.Err = err
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	metrics.ObserveRun(status)
	d.logger.Info("run finished",
		zap.Int("sources", len(sources)),
		zap.Int("published", summary.Count(collector.StatePublished)),
		zap.Int("skipped", summary.Count(collector.StateSkipped)),
		zap.Int("failures", summary.Failures()),
		zap.Duration("duration", summary.Finished.Sub(summary.Started)),
		zap.Error(err))
	return summary, err
}
