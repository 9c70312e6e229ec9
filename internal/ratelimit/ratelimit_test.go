package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 10, 15, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func backends(t *testing.T) map[string]Windows {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Windows{
		"memory": NewMemoryWindows(),
		"redis":  NewRedisWindows(client),
	}
}

func TestBurstCeiling(t *testing.T) {
	for name, w := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			rl := NewRateLimiter(w, nil, nil, WithClock(clock.Now))
			ctx := context.Background()

			for i := 0; i < 10; i++ {
				require.True(t, rl.Allow(ctx, "alice", models.ModeFast), "call %d", i+1)
			}
			assert.False(t, rl.Allow(ctx, "alice", models.ModeFast), "11th call within a minute")

			clock.Advance(61 * time.Second)
			assert.True(t, rl.Allow(ctx, "alice", models.ModeFast), "after the minute window rolls over")
		})
	}
}

func TestThoroughBurstCeiling(t *testing.T) {
	for name, w := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			rl := NewRateLimiter(w, nil, nil, WithClock(clock.Now))
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				require.True(t, rl.Allow(ctx, "bob", models.ModeThorough))
			}
			assert.False(t, rl.Allow(ctx, "bob", models.ModeThorough))
			assert.True(t, rl.Allow(ctx, "bob", models.ModeFast), "modes have independent windows")
			assert.True(t, rl.Allow(ctx, "carol", models.ModeThorough), "users have independent windows")
		})
	}
}

func TestHourlyCeiling(t *testing.T) {
	for name, w := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			limits := map[models.Mode]Limit{models.ModeFast: {Hourly: 5, PerMinute: 2}}
			rl := NewRateLimiter(w, limits, nil, WithClock(clock.Now))
			ctx := context.Background()

			admitted := 0
			for i := 0; i < 10; i++ {
				if rl.Allow(ctx, "dave", models.ModeFast) {
					admitted++
				}
				clock.Advance(2 * time.Minute)
			}
			assert.Equal(t, 5, admitted)

			clock.Advance(time.Hour)
			assert.True(t, rl.Allow(ctx, "dave", models.ModeFast))
		})
	}
}

func TestRemainingIsPure(t *testing.T) {
	for name, w := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			rl := NewRateLimiter(w, nil, nil, WithClock(clock.Now))
			ctx := context.Background()

			require.True(t, rl.Allow(ctx, "erin", models.ModeFast))
			require.True(t, rl.Allow(ctx, "erin", models.ModeFast))

			for i := 0; i < 3; i++ {
				rem := rl.Remaining(ctx, "erin", models.ModeFast)
				assert.Equal(t, 98, rem.HourlyRemaining)
				assert.Equal(t, 8, rem.MinuteRemaining)
				assert.Equal(t, Limit{Hourly: 100, PerMinute: 10}, rem.Limits)
			}
		})
	}
}

func TestResetClearsAllModes(t *testing.T) {
	for name, w := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			rl := NewRateLimiter(w, nil, nil, WithClock(clock.Now))
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				rl.Allow(ctx, "frank", models.ModeThorough)
			}
			for i := 0; i < 10; i++ {
				rl.Allow(ctx, "frank", models.ModeFast)
			}
			require.False(t, rl.Allow(ctx, "frank", models.ModeThorough))

			require.NoError(t, rl.Reset(ctx, "frank"))
			assert.True(t, rl.Allow(ctx, "frank", models.ModeThorough))
			assert.True(t, rl.Allow(ctx, "frank", models.ModeFast))
		})
	}
}

func TestRefundRestoresCapacity(t *testing.T) {
	for name, w := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			rl := NewRateLimiter(w, nil, nil, WithClock(clock.Now))
			ctx := context.Background()

			var last Admission
			for i := 0; i < 3; i++ {
				adm, ok := rl.Admit(ctx, "gina", models.ModeThorough)
				require.True(t, ok)
				last = adm
			}
			require.False(t, rl.Allow(ctx, "gina", models.ModeThorough))

			rl.Refund(ctx, last)
			assert.Equal(t, 1, rl.Remaining(ctx, "gina", models.ModeThorough).MinuteRemaining)
			assert.True(t, rl.Allow(ctx, "gina", models.ModeThorough))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(NewMemoryWindows(), nil, nil, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, "hank", models.ModeThorough)
	}
	clock.Advance(20 * time.Second)
	require.False(t, rl.Allow(ctx, "hank", models.ModeThorough))

	wait := rl.RetryAfter(ctx, "hank", models.ModeThorough)
	assert.Equal(t, 40*time.Second, wait)
}

func TestAnonymousAlwaysAllowed(t *testing.T) {
	rl := NewRateLimiter(NewMemoryWindows(), nil, nil)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		assert.True(t, rl.Allow(ctx, "", models.ModeThorough))
	}
}

type brokenWindows struct{}

func (brokenWindows) Admit(context.Context, string, models.Mode, time.Time, Limit) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenWindows) State(context.Context, string, models.Mode, time.Time) (WindowState, error) {
	return WindowState{}, errors.New("connection refused")
}
func (brokenWindows) Refund(context.Context, string, models.Mode, time.Time) error {
	return errors.New("connection refused")
}
func (brokenWindows) Reset(context.Context, string) error { return errors.New("connection refused") }

func TestStoreFailureFailsOpen(t *testing.T) {
	rl := NewRateLimiter(brokenWindows{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		assert.True(t, rl.Allow(ctx, "ivy", models.ModeThorough))
	}
	rem := rl.Remaining(ctx, "ivy", models.ModeThorough)
	assert.Equal(t, 20, rem.HourlyRemaining)
	assert.Error(t, rl.Reset(ctx, "ivy"))
}

func TestConcurrentAdmissionsRespectCeiling(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(NewMemoryWindows(), nil, nil, WithClock(clock.Now))
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow(ctx, "judy", models.ModeFast) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), admitted.Load())
}

func TestPruneDropsIdleWindows(t *testing.T) {
	clock := newFakeClock()
	w := NewMemoryWindows()
	rl := NewRateLimiter(w, nil, nil, WithClock(clock.Now))
	ctx := context.Background()

	rl.Allow(ctx, "kim", models.ModeFast)
	assert.Equal(t, 0, w.Prune(clock.Now()))

	clock.Advance(3 * time.Hour)
	assert.Equal(t, 1, w.Prune(clock.Now()))
	assert.True(t, rl.Allow(ctx, "kim", models.ModeFast))
}
