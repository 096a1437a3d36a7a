package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type dnsRecords struct {
	Records []string
}

type countingFetch[V any] struct {
	calls atomic.Int64
	value V
	err   error
}

func (f *countingFetch[V]) fetch(context.Context) (V, error) {
	f.calls.Add(1)
	if f.err != nil {
		var zero V
		return zero, f.err
	}
	return f.value, nil
}

type recordingObserver struct {
	mu                   sync.Mutex
	hits, misses, failed int
}

func (o *recordingObserver) CacheHit(string)    { o.mu.Lock(); o.hits++; o.mu.Unlock() }
func (o *recordingObserver) CacheMiss(string)   { o.mu.Lock(); o.misses++; o.mu.Unlock() }
func (o *recordingObserver) FetchFailed(string) { o.mu.Lock(); o.failed++; o.mu.Unlock() }

func TestHitSuppressesFetch(t *testing.T) {
	c, err := New[string]("ip")
	require.NoError(t, err)
	f := &countingFetch[string]{value: "DE"}
	ctx := context.Background()

	res, err := c.Get(ctx, "ip:1.2.3.4", time.Hour, f.fetch, epoch)
	require.NoError(t, err)
	require.False(t, res.Hit)
	require.Equal(t, "DE", res.Value)
	require.Equal(t, epoch, res.StoredAt)
	require.Equal(t, epoch.Add(time.Hour), res.ExpiresAt)

	res, err = c.Get(ctx, "ip:1.2.3.4", time.Hour, f.fetch, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, res.Hit)
	require.Equal(t, "DE", res.Value)
	require.Equal(t, int64(1), f.calls.Load())
}

func TestExpiryTriggersRefetch(t *testing.T) {
	c, err := New[int]("ip")
	require.NoError(t, err)
	ctx := context.Background()

	first := &countingFetch[int]{value: 1}
	_, err = c.Get(ctx, "k", time.Second, first.fetch, epoch)
	require.NoError(t, err)

	res, err := c.Get(ctx, "k", time.Second, first.fetch, epoch.Add(999*time.Millisecond))
	require.NoError(t, err)
	require.True(t, res.Hit)

	// exactly ttl old: expired
	second := &countingFetch[int]{value: 2}
	res, err = c.Get(ctx, "k", time.Second, second.fetch, epoch.Add(time.Second))
	require.NoError(t, err)
	require.False(t, res.Hit)
	require.Equal(t, 2, res.Value)
	require.Equal(t, int64(1), second.calls.Load())

	res, err = c.Get(ctx, "k", time.Second, second.fetch, epoch.Add(1500*time.Millisecond))
	require.NoError(t, err)
	require.True(t, res.Hit)
	require.Equal(t, 2, res.Value, "refresh overwrites the stored value")
}

func TestNoNegativeCaching(t *testing.T) {
	obs := &recordingObserver{}
	c, err := New[string]("dns", WithObserver(obs))
	require.NoError(t, err)
	ctx := context.Background()

	boom := errors.New("upstream unreachable")
	f := &countingFetch[string]{err: boom}

	_, err = c.Get(ctx, "dns:example.com:A", time.Minute, f.fetch, epoch)
	require.Same(t, boom, err, "fetch errors are returned unwrapped")

	_, err = c.Get(ctx, "dns:example.com:A", time.Minute, f.fetch, epoch)
	require.Same(t, boom, err)
	require.Equal(t, int64(2), f.calls.Load())
	require.Equal(t, 0, c.Len())

	f.err = nil
	f.value = "ok"
	res, err := c.Get(ctx, "dns:example.com:A", time.Minute, f.fetch, epoch)
	require.NoError(t, err)
	require.False(t, res.Hit)
	require.Equal(t, "ok", res.Value)

	require.Equal(t, 3, obs.misses)
	require.Equal(t, 2, obs.failed)
	require.Equal(t, 0, obs.hits)
}

func TestRepeatedHitsAreIdempotent(t *testing.T) {
	c, err := New[dnsRecords]("dns")
	require.NoError(t, err)
	want := dnsRecords{Records: []string{"93.184.216.34"}}
	f := &countingFetch[dnsRecords]{value: want}
	ctx := context.Background()

	for i := range 10 {
		res, err := c.Get(ctx, "k", time.Minute, f.fetch, epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.Equal(t, want, res.Value)
		require.Equal(t, epoch, res.StoredAt)
	}
	require.Equal(t, int64(1), f.calls.Load())
}

func TestDNSScenario(t *testing.T) {
	c, err := New[dnsRecords]("dns")
	require.NoError(t, err)
	ttl := 300000 * time.Millisecond
	f := &countingFetch[dnsRecords]{value: dnsRecords{Records: []string{"93.184.216.34", "93.184.216.35"}}}
	ctx := context.Background()

	first, err := c.Get(ctx, "dns:example.com:A", ttl, f.fetch, epoch)
	require.NoError(t, err)
	require.False(t, first.Hit)

	second, err := c.Get(ctx, "dns:example.com:A", ttl, f.fetch, epoch)
	require.NoError(t, err)
	require.True(t, second.Hit)
	require.Equal(t, first.Value, second.Value)
	require.Equal(t, int64(1), f.calls.Load())
}

func TestTTLIsRecordedPerEntry(t *testing.T) {
	c, err := New[string]("mixed")
	require.NoError(t, err)
	ctx := context.Background()
	f := &countingFetch[string]{value: "v"}

	_, err = c.Get(ctx, "short", 300*time.Second, f.fetch, epoch)
	require.NoError(t, err)
	_, err = c.Get(ctx, "long", time.Hour, f.fetch, epoch)
	require.NoError(t, err)

	later := epoch.Add(10 * time.Minute)
	res, err := c.Get(ctx, "short", 300*time.Second, f.fetch, later)
	require.NoError(t, err)
	require.False(t, res.Hit)
	res, err = c.Get(ctx, "long", time.Hour, f.fetch, later)
	require.NoError(t, err)
	require.True(t, res.Hit)
}

func TestInvalidInput(t *testing.T) {
	c, err := New[string]("ip")
	require.NoError(t, err)
	ctx := context.Background()
	f := &countingFetch[string]{value: "v"}

	_, err = c.Get(ctx, "", time.Minute, f.fetch, epoch)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.Get(ctx, "k", 0, f.fetch, epoch)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.Get(ctx, "k", -time.Second, f.fetch, epoch)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.Get(ctx, "k", time.Minute, nil, epoch)
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Zero(t, f.calls.Load())
	require.Zero(t, c.Len())

	_, err = New[string]("bad", WithCapacity(0))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New[string]("ip", WithCapacity(2))
	require.NoError(t, err)
	ctx := context.Background()
	f := &countingFetch[string]{value: "v"}

	for _, k := range []string{"a", "b"} {
		_, err := c.Get(ctx, k, time.Hour, f.fetch, epoch)
		require.NoError(t, err)
	}
	// touch a so b is the eviction candidate
	res, err := c.Get(ctx, "a", time.Hour, f.fetch, epoch)
	require.NoError(t, err)
	require.True(t, res.Hit)

	_, err = c.Get(ctx, "c", time.Hour, f.fetch, epoch)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	res, err = c.Get(ctx, "b", time.Hour, f.fetch, epoch)
	require.NoError(t, err)
	require.False(t, res.Hit)
	require.Equal(t, int64(4), f.calls.Load())
}

func TestSingleFlightSharesFetch(t *testing.T) {
	c, err := New[string]("dns", WithSingleFlight())
	require.NoError(t, err)
	ctx := context.Background()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "answer", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[string], n)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			res, err := c.Get(ctx, "dns:example.com:A", time.Minute, fetch, epoch)
			if err == nil {
				results[i] = res
			}
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	for _, res := range results {
		require.Equal(t, "answer", res.Value)
	}
}

func TestSingleFlightLeaderCancelDoesNotFailFollowers(t *testing.T) {
	c, err := New[string]("dns", WithSingleFlight())
	require.NoError(t, err)

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "answer", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, "dns:example.com:A", time.Minute, fetch, epoch)
		leaderErr <- err
	}()
	<-started

	type outcome struct {
		res Result[string]
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := c.Get(context.Background(), "dns:example.com:A", time.Minute, fetch, epoch)
		follower <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-follower
	require.NoError(t, got.err)
	require.Equal(t, "answer", got.res.Value)
	require.True(t, got.res.Shared)
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, 1, c.Len())
}

func TestSingleFlightFollowerHonorsOwnContext(t *testing.T) {
	c, err := New[string]("dns", WithSingleFlight())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	fetch := func(context.Context) (string, error) {
		close(started)
		<-release
		return "answer", nil
	}

	go func() {
		_, _ = c.Get(context.Background(), "dns:example.com:A", time.Minute, fetch, epoch)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "dns:example.com:A", time.Minute, fetch, epoch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithoutSingleFlightDuplicateFetchesAllowed(t *testing.T) {
	c, err := New[string]("dns")
	require.NoError(t, err)
	ctx := context.Background()

	var calls atomic.Int64
	var ready sync.WaitGroup
	ready.Add(2)
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		ready.Done()
		ready.Wait()
		return "v", nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		go func() {
			defer wg.Done()
			_, _ = c.Get(ctx, "k", time.Minute, fetch, epoch)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(2), calls.Load())
	require.Equal(t, 1, c.Len())
}
