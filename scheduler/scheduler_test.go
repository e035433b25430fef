package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// block occupies the only slot of s until release is closed.
func block(t *testing.T, s *Scheduler) chan struct{} {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Submit(0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocking task never started")
	}
	return release
}

func TestPriorityOrder(t *testing.T) {
	s := New(Config{Concurrency: 1, Interval: -1})
	defer s.Close()

	release := block(t, s)

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, s.Submit(1, record("low")))
	require.NoError(t, s.Submit(9, record("high-a")))
	require.NoError(t, s.Submit(5, record("mid")))
	require.NoError(t, s.Submit(9, record("high-b")))

	close(release)
	require.NoError(t, s.Wait(waitCtx(t)))

	assert.Equal(t, []string{"high-a", "high-b", "mid", "low"}, order)
}

func TestConcurrencyCeiling(t *testing.T) {
	s := New(Config{Concurrency: 3, Interval: -1})
	defer s.Close()

	var running, peak atomic.Int64
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Submit(0, func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}

	require.NoError(t, s.Wait(waitCtx(t)))
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, uint64(12), s.Stats().Completed)
}

func TestIntervalSpacing(t *testing.T) {
	interval := 30 * time.Millisecond
	s := New(Config{Concurrency: 10, Interval: interval})
	defer s.Close()

	var mu sync.Mutex
	var starts []time.Time
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Submit(0, func(context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, s.Wait(waitCtx(t)))

	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, interval-5*time.Millisecond, "gap %d", i)
	}
}

func TestQueueFull(t *testing.T) {
	s := New(Config{Concurrency: 1, Interval: -1, QueueSize: 1})
	defer s.Close()

	release := block(t, s)
	defer close(release)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Submit(0, noop))

	err := s.Submit(0, noop)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestErrorsAndPanicsReported(t *testing.T) {
	var mu sync.Mutex
	var got []error
	s := New(Config{Concurrency: 2, Interval: -1}, WithErrorHandler(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))
	defer s.Close()

	boom := errors.New("boom")
	require.NoError(t, s.Submit(0, func(context.Context) error { return boom }))
	require.NoError(t, s.Submit(0, func(context.Context) error { panic("kaput") }))
	require.NoError(t, s.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	var sawBoom, sawPanic bool
	for _, err := range got {
		if errors.Is(err, boom) {
			sawBoom = true
		} else if assert.Contains(t, err.Error(), "kaput") {
			sawPanic = true
		}
	}
	assert.True(t, sawBoom)
	assert.True(t, sawPanic)
	assert.Equal(t, uint64(2), s.Stats().Failed)
}

func TestCloseDropsPending(t *testing.T) {
	s := New(Config{Concurrency: 1, Interval: -1})

	started := make(chan struct{})
	require.NoError(t, s.Submit(0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}))
	<-started

	var ran atomic.Bool
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Submit(0, func(context.Context) error {
			ran.Store(true)
			return nil
		}))
	}

	assert.Equal(t, 3, s.Close())
	assert.False(t, ran.Load())
	assert.True(t, errors.Is(s.Submit(0, func(context.Context) error { return nil }), ErrClosed))
	require.NoError(t, s.Wait(waitCtx(t)))
}

func TestNilTaskRejected(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Close()
	assert.Error(t, s.Submit(0, nil))
}
