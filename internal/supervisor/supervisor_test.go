package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSupervisor_RunsTasks(t *testing.T) {
	s := New(4, zaptest.NewLogger(t))

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Go("count", func(context.Context) { ran.Add(1) }))
	}
	s.Wait()

	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, int64(0), s.InFlight())
}

func TestSupervisor_GoDoesNotBlockWhenSaturated(t *testing.T) {
	s := New(1, zaptest.NewLogger(t))
	release := make(chan struct{})

	require.NoError(t, s.Go("blocker", func(context.Context) { <-release }))

	started := make(chan struct{})
	go func() {
		_ = s.Go("queued", func(context.Context) {})
		close(started)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Go blocked while the only slot was busy")
	}
	assert.Equal(t, int64(2), s.InFlight())

	close(release)
	s.Wait()
	assert.Equal(t, int64(0), s.InFlight())
}

func TestSupervisor_BoundsConcurrency(t *testing.T) {
	s := New(2, zaptest.NewLogger(t))

	var cur, peak atomic.Int32
	for i := 0; i < 8; i++ {
		_ = s.Go("work", func(context.Context) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
		})
	}
	s.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSupervisor_RecoversPanics(t *testing.T) {
	s := New(0, zaptest.NewLogger(t))

	_ = s.Go("boom", func(context.Context) { panic("pipeline exploded") })
	s.Wait()

	assert.Equal(t, int64(1), s.Panics())
	assert.Equal(t, int64(0), s.InFlight())
}

func TestSupervisor_ShutdownWaitsForTasks(t *testing.T) {
	s := New(0, zaptest.NewLogger(t))

	var finished atomic.Bool
	_ = s.Go("slow", func(context.Context) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, finished.Load())
	assert.ErrorIs(t, s.Go("late", func(context.Context) {}), ErrStopped)
}

func TestSupervisor_ShutdownDeadlineCancelsTasks(t *testing.T) {
	s := New(0, zaptest.NewLogger(t))

	var cancelled atomic.Bool
	_ = s.Go("stuck", func(ctx context.Context) {
		<-ctx.Done()
		cancelled.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, cancelled.Load())
}
