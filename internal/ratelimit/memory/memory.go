package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/toolgate/internal/ratelimit"
)

// bucket holds the admission log for one key, oldest first.
type bucket struct {
	mu      sync.Mutex
	history []time.Time
}

// Limiter is an in-process sliding-window log limiter. Each key owns its bucket
// and its lock, so keys never contend with each other.
type Limiter struct {
	bucket  sync.Map
	buckets atomic.Int64
}

func New() *Limiter {
	return &Limiter{}
}

func (l *Limiter) Close() error { return nil }

type Stats struct {
	Buckets int64
}

func (l *Limiter) Stats() Stats {
	return Stats{Buckets: l.buckets.Load()}
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if key == "" {
		return ratelimit.Decision{}, fmt.Errorf("%w: empty bucket key", ratelimit.ErrInvalidInput)
	}
	if err := p.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}

	// create bucket
	v, loaded := l.bucket.LoadOrStore(key, &bucket{})
	if !loaded {
		l.buckets.Add(1)
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now, p.Window)

	// decide
	if len(b.history) >= p.Limit {
		return ratelimit.Decision{
			Allowed:    false,
			Limit:      p.Limit,
			Remaining:  0,
			RetryAfter: p.Window,
			ResetAt:    b.history[0].Add(p.Window),
		}, nil
	}

	b.insert(now)

	return ratelimit.Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - len(b.history),
		ResetAt:   b.history[0].Add(p.Window),
	}, nil
}

// insert keeps history ordered when admissions arrive out of time order, so
// prune can stop at the first live entry.
func (b *bucket) insert(t time.Time) {
	if n := len(b.history); n == 0 || !t.Before(b.history[n-1]) {
		b.history = append(b.history, t)
		return
	}
	i, _ := slices.BinarySearchFunc(b.history, t, time.Time.Compare)
	b.history = slices.Insert(b.history, i, t)
}

// prune drops entries that are window or more old. An entry exactly window old
// is expired.
func (b *bucket) prune(now time.Time, window time.Duration) {
	n := 0
	for n < len(b.history) && now.Sub(b.history[n]) >= window {
		n++
	}
	if n == 0 {
		return
	}
	copy(b.history, b.history[n:])
	clear(b.history[len(b.history)-n:])
	b.history = b.history[:len(b.history)-n]
}
