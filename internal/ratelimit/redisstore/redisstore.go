// Package redisstore implements ratelimit.Limiter on top of Redis so several
// gateway replicas can share one admission budget per bucket.
//
// Each bucket is a sorted set of admission timestamps (milliseconds). A single
// Lua script prunes, counts and conditionally appends inside Redis, which gives
// the same per-bucket linearization the in-memory limiter gets from its mutex.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/toolgate/internal/ratelimit"
)

//go:embed sliding_window.lua
var slidingWindowSrc string

var slidingWindow = redis.NewScript(slidingWindowSrc)

type Limiter struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

type Option func(*Limiter)

// WithPrefix sets the key prefix (default "toolgate:rl:").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithTimeout bounds each Allow round trip (default 2s). Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

// New pings Redis and returns a limiter that owns client.
func New(ctx context.Context, client *redis.Client, opts ...Option) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	l := &Limiter{
		client:  client,
		prefix:  "toolgate:rl:",
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if err := slidingWindow.Load(pingCtx, client).Err(); err != nil {
		return nil, fmt.Errorf("load sliding window script: %w", err)
	}
	return l, nil
}

func (l *Limiter) Close() error {
	return l.client.Close()
}

func (l *Limiter) Allow(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if key == "" {
		return ratelimit.Decision{}, fmt.Errorf("%w: empty bucket key", ratelimit.ErrInvalidInput)
	}
	if err := p.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	nowMS := now.UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()

	vals, err := slidingWindow.Run(ctx, l.client, []string{l.prefix + key},
		nowMS,
		p.Window.Milliseconds(),
		p.Limit,
		member,
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("sliding window script: unexpected reply length %d", len(vals))
	}

	allowed, count, oldest := vals[0] == 1, int(vals[1]), vals[2]
	dec := ratelimit.Decision{
		Allowed:   allowed,
		Limit:     p.Limit,
		Remaining: max(p.Limit-count, 0),
		ResetAt:   time.UnixMilli(oldest).Add(p.Window),
	}
	if !allowed {
		dec.RetryAfter = p.Window
	}
	return dec, nil
}
