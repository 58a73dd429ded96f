// Package scheduler drives recurring collection runs: once at start, then on a fixed interval,
// on explicit triggers, and on watch notifications. Runs never overlap.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/dispatcher"
)

// Trigger reasons.
const (
	ReasonStartup  = "startup"
	ReasonInterval = "interval"
	ReasonManual   = "manual"
	ReasonWatch    = "watch"
)

// RunFunc performs one collection run.
type RunFunc func(ctx context.Context, reason string) (dispatcher.Summary, error)

// LastRun describes the most recent completed run.
type LastRun struct {
	Reason  string
	Summary dispatcher.Summary
	Err     error
}

// Scheduler serialises runs from all trigger sources.
type Scheduler struct {
	run      RunFunc
	interval time.Duration
	trigger  chan string
	logger   *zap.Logger

	mu      sync.RWMutex
	last    *LastRun
	running bool
}

// New creates a scheduler. An interval <= 0 disables the ticker.
func New(run RunFunc, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{run: run, interval: interval, trigger: make(chan string, 1), logger: logger}
}

// Trigger requests a run. It returns false when a request is already pending; the pending run
// will cover this one.
func (s *Scheduler) Trigger(reason string) bool {
	select {
	case s.trigger <- reason:
		return true
	default:
		return false
	}
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Last returns the most recent completed run.
func (s *Scheduler) Last() (LastRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return LastRun{}, false
	}
	return *s.last, true
}

// Run blocks until ctx is done or a run fails fatally. The in-flight run always completes
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.once(ctx, ReasonStartup); err != nil {
		return err
	}

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var reason string
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			reason = ReasonInterval
		case reason = <-s.trigger:
		}
		if err := s.once(ctx, reason); err != nil {
			return err
		}
	}
}

func (s *Scheduler) once(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("run starting", zap.String("reason", reason))
	summary, err := s.run(ctx, reason)

	s.mu.Lock()
	s.running = false
	s.last = &LastRun{Reason: reason, Summary: summary, Err: err}
	s.mu.Unlock()

	if err != nil && collector.IsFatal(err) {
		s.logger.Error("run failed fatally; stopping scheduler", zap.Error(err))
		return err
	}
	if err != nil {
		s.logger.Warn("run failed", zap.Error(err))
	}
	return nil
}
