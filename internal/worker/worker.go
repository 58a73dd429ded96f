// Package worker implements the task execution loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/metrics"
	"github.com/JakeFAU/source-collector/internal/pipeline"
)

// Runner executes one collection attempt.
type Runner interface {
	Collect(ctx context.Context, src collector.SourceConfig) (pipeline.Report, error)
}

// Sink receives the report of every finished task.
type Sink func(pipeline.Report)

// Worker consumes tasks and runs the pipeline for each.
type Worker struct {
	id     int
	queue  collector.Queue
	runner Runner
	sink   Sink
	logger *zap.Logger
}

// New constructs a Worker. sink may be nil.
func New(id int, queue collector.Queue, runner Runner, sink Sink, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = func(pipeline.Report) {}
	}
	return &Worker{
		id:     id,
		queue:  queue,
		runner: runner,
		sink:   sink,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run consumes tasks until the queue is drained or ctx is done. It returns the first fatal error.
// A task that has been dequeued runs to completion even if ctx is canceled meanwhile.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, collector.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return err
		}
		w.logger.Debug("dequeued task", zap.String("source", task.Source.Label()))

		if err := w.process(ctx, task); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, task collector.Task) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	report, err := w.runner.Collect(context.WithoutCancel(ctx), task.Source)
	w.sink(report)
	if err == nil {
		return nil
	}
	if collector.IsFatal(err) {
		w.logger.Error("fatal error, stopping", zap.String("source", task.Source.Label()), zap.Error(err))
		return err
	}
	// Non-fatal errors are normally folded into the report; anything else is a bug upstream.
	w.logger.Error("collection failed", zap.String("source", task.Source.Label()), zap.Error(err))
	return nil
}
