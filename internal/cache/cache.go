// Package cache provides a read-through TTL cache for expensive upstream
// lookups. Failed fetches are never stored, so every failure is retried on the
// next call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidInput reports an empty key, a non-positive ttl or a nil fetch.
var ErrInvalidInput = errors.New("cache: invalid input")

const DefaultCapacity = 10000

// FetchFunc performs the underlying lookup on a miss. It is responsible for its
// own deadline; the cache never cancels it. With single-flight the ctx it gets
// is detached from the caller's cancellation.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Result carries the value plus where it came from.
type Result[V any] struct {
	Value     V
	Hit       bool // served from a fresh entry, fetch not invoked
	Shared    bool // miss whose fetch was shared with concurrent callers
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Observer receives cache events, typically to feed metrics.
type Observer interface {
	CacheHit(name string)
	CacheMiss(name string)
	FetchFailed(name string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)    {}
func (nopObserver) CacheMiss(string)   {}
func (nopObserver) FetchFailed(string) {}

type options struct {
	capacity     int
	singleFlight bool
	observer     Observer
}

type Option func(*options)

// WithCapacity bounds the number of stored entries; the least recently used
// entry is evicted when full.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithSingleFlight makes concurrent misses on one key share a single fetch.
func WithSingleFlight() Option {
	return func(o *options) { o.singleFlight = true }
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

func (e entry[V]) result(hit, shared bool) Result[V] {
	return Result[V]{
		Value:     e.value,
		Hit:       hit,
		Shared:    shared,
		StoredAt:  e.storedAt,
		ExpiresAt: e.storedAt.Add(e.ttl),
	}
}

// ReadThrough is safe for concurrent use.
type ReadThrough[V any] struct {
	name     string
	store    *lru.Cache[string, entry[V]]
	group    *singleflight.Group
	observer Observer
}

// New builds a cache. name labels observer events (e.g. "ip", "dns").
func New[V any](name string, opts ...Option) (*ReadThrough[V], error) {
	o := options{capacity: DefaultCapacity, observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidInput, o.capacity)
	}

	store, err := lru.New[string, entry[V]](o.capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	c := &ReadThrough[V]{name: name, store: store, observer: o.observer}
	if o.singleFlight {
		c.group = &singleflight.Group{}
	}
	return c, nil
}

// Get returns the fresh entry for key, or invokes fetch and stores its value
// under ttl. A fetch error is returned unchanged and nothing is stored.
func (c *ReadThrough[V]) Get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V], now time.Time) (Result[V], error) {
	if key == "" {
		return Result[V]{}, fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	if ttl <= 0 {
		return Result[V]{}, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidInput, ttl)
	}
	if fetch == nil {
		return Result[V]{}, fmt.Errorf("%w: nil fetch", ErrInvalidInput)
	}

	if e, ok := c.store.Get(key); ok {
		if e.fresh(now) {
			c.observer.CacheHit(c.name)
			return e.result(true, false), nil
		}
		c.store.Remove(key)
	}
	c.observer.CacheMiss(c.name)

	if c.group == nil {
		e, err := c.fill(ctx, key, ttl, fetch, now)
		if err != nil {
			return Result[V]{}, err
		}
		return e.result(false, false), nil
	}

	// The shared fill outlives any single caller, so it keeps ctx values but
	// not its cancellation. Each caller stops waiting on its own ctx.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), key, ttl, fetch, now)
	})
	select {
	case <-ctx.Done():
		return Result[V]{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result[V]{}, r.Err
		}
		return r.Val.(entry[V]).result(false, r.Shared), nil
	}
}

func (c *ReadThrough[V]) fill(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V], now time.Time) (entry[V], error) {
	v, err := fetch(ctx)
	if err != nil {
		c.observer.FetchFailed(c.name)
		return entry[V]{}, err
	}
	e := entry[V]{value: v, storedAt: now, ttl: ttl}
	c.store.Add(key, e)
	return e, nil
}

// Len reports the number of stored entries, expired ones included until they
// are read or evicted.
func (c *ReadThrough[V]) Len() int {
	return c.store.Len()
}
