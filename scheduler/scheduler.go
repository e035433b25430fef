// Package scheduler gates work behind a bounded, priority-ordered queue.
//
// At most Concurrency tasks run at once, consecutive task starts are spaced
// by at least Interval, and among queued tasks the highest priority number
// starts first (FIFO on ties).
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	ErrClosed    = errors.New("scheduler: closed")
	ErrQueueFull = errors.New("scheduler: queue full")
)

const (
	DefaultConcurrency = 100
	DefaultInterval    = 10 * time.Millisecond
	DefaultQueueSize   = 10000
)

// Task is one unit of admitted work. The context is cancelled on Close.
type Task func(ctx context.Context) error

type Config struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		Interval:    DefaultInterval,
		QueueSize:   DefaultQueueSize,
	}
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued    int    `json:"queued"`
	InFlight  int64  `json:"in_flight"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

type Option func(*Scheduler)

// WithErrorHandler receives task errors and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

type Scheduler struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	onError func(error)

	mu          sync.Mutex
	queue       taskQueue
	seq         uint64
	outstanding int
	drained     chan struct{}
	closed      bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight  atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a scheduler. Zero config fields take their defaults; a
// negative Interval disables spacing.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter: rate.NewLimiter(limit, 1),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Submit queues task at the given priority. It never blocks.
func (s *Scheduler) Submit(priority int, task Task) error {
	if task == nil {
		return errors.New("scheduler: nil task")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.rejected.Add(1)
		return ErrClosed
	}
	if s.queue.Len() >= s.cfg.QueueSize {
		s.mu.Unlock()
		s.rejected.Add(1)
		return fmt.Errorf("%w: %d pending", ErrQueueFull, s.cfg.QueueSize)
	}
	s.seq++
	heap.Push(&s.queue, &item{priority: priority, seq: s.seq, task: task})
	s.outstanding++
	s.mu.Unlock()

	s.submitted.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			if s.Len() == 0 {
				s.sem.Release(1)
				break
			}
			if err := s.limiter.Wait(s.ctx); err != nil {
				s.sem.Release(1)
				return
			}

			// Pop after the wait so a task submitted meanwhile can win.
			it := s.pop()
			if it == nil {
				s.sem.Release(1)
				break
			}

			s.inFlight.Add(1)
			s.wg.Add(1)
			go s.run(it)
		}
	}
}

func (s *Scheduler) run(it *item) {
	defer func() {
		if r := recover(); r != nil {
			s.report(fmt.Errorf("scheduler: task panic: %v", r))
		}
		s.inFlight.Add(-1)
		s.sem.Release(1)
		s.finish(1)
		s.wg.Done()
	}()

	if err := it.task(s.ctx); err != nil {
		s.report(err)
		return
	}
	s.completed.Add(1)
}

func (s *Scheduler) report(err error) {
	s.failed.Add(1)
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Scheduler) pop() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.queue).(*item)
}

func (s *Scheduler) finish(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding -= n
	if s.outstanding <= 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// Len returns the number of queued tasks not yet started.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Wait blocks until no task is queued or running.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.outstanding == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	ch := s.drained
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Queued:    s.Len(),
		InFlight:  s.inFlight.Load(),
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
	}
}

// Close drops queued tasks, cancels running ones and waits for them to
// return. It returns the number of tasks dropped.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	dropped := s.queue.Len()
	s.queue = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.finish(dropped)
	}
	s.cancel()
	s.wg.Wait()
	return dropped
}
