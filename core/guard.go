package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// replayFilter remembers packet ids across two bloom generations so a
// rotation never forgets the most recent window outright. A generation is
// rotated out once it holds capacity ids, which keeps the false positive
// rate near twice the configured rate however fast ids arrive.
type replayFilter struct {
	mu       sync.Mutex
	capacity uint
	fp       float64
	added    uint
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
}

func newReplayFilter(capacity uint, fp float64) *replayFilter {
	return &replayFilter{
		capacity: capacity,
		fp:       fp,
		current:  bloom.NewWithEstimates(capacity, fp),
	}
}

// seen records id and reports whether it was recorded before.
func (f *replayFilter) seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	replayed := f.previous != nil && f.previous.TestString(id)
	if f.current.TestAndAddString(id) {
		return true
	}
	f.added++
	if f.added >= f.capacity {
		f.rotateLocked()
	}
	return replayed
}

func (f *replayFilter) rotate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateLocked()
}

func (f *replayFilter) rotateLocked() {
	f.previous = f.current
	f.current = bloom.NewWithEstimates(f.capacity, f.fp)
	f.added = 0
}

// senderLimiter is a token bucket per sending urn.
type senderLimiter struct {
	bucket *limiter.TokenBucket
}

func newSenderLimiter(cfg RateLimitConfig) (*senderLimiter, error) {
	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	bucket, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.Rate,
			Duration: window,
			Burst:    cfg.Burst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("core: rate limiter: %w", err)
	}
	return &senderLimiter{bucket: bucket}, nil
}

func (l *senderLimiter) allow(sender string) bool {
	return l.bucket.Allow(sender)
}
