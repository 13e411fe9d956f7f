// Package supervisor runs background tasks that outlive the request that
// started them, bounds how many run at once, and lets the process wait for
// them on shutdown.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// ErrStopped is returned by Go after Shutdown has begun.
var ErrStopped = errors.New("supervisor stopped")

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	slots  chan struct{}
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool

	inFlight atomic.Int64
	panicked atomic.Int64
}

// New creates a Supervisor allowing maxConcurrent tasks to run at once.
// maxConcurrent <= 0 means unbounded.
func New(maxConcurrent int, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	if maxConcurrent > 0 {
		s.slots = make(chan struct{}, maxConcurrent)
	}
	return s
}

// Go starts fn in its own goroutine and returns immediately. When all slots
// are busy the task waits for one inside that goroutine, never in the caller.
// fn's context is cancelled once Shutdown gives up waiting.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}

	s.inFlight.Add(1)
	s.wg.Go(func() {
		defer s.inFlight.Add(-1)

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
				defer func() { <-s.slots }()
			case <-s.ctx.Done():
				s.logger.Warn("Task dropped before start", zap.String("task", name))
				return
			}
		}

		var pc panics.Catcher
		pc.Try(func() { fn(s.ctx) })
		if r := pc.Recovered(); r != nil {
			s.panicked.Add(1)
			s.logger.Error("Task panicked",
				zap.String("task", name),
				zap.Error(r.AsError()),
				zap.String("stack", string(r.Stack)))
		}
	})
	return nil
}

// InFlight returns the number of tasks started and not yet finished.
func (s *Supervisor) InFlight() int64 {
	return s.inFlight.Load()
}

// Panics returns how many tasks have panicked.
func (s *Supervisor) Panics() int64 {
	return s.panicked.Load()
}

// Wait blocks until every task started so far has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new tasks and waits for running ones until ctx is done,
// then cancels the tasks' context and waits for them to return.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, cancelling tasks",
			zap.Int64("in_flight", s.InFlight()))
		s.cancel()
		<-done
		return ctx.Err()
	}
}
