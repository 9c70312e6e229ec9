// Package ratelimit enforces per-user, per-mode sliding-window ceilings.
//
// Two windows are kept for every (user, mode): an hourly window made of
// minute buckets and a one-minute burst window made of second buckets. A
// request is admitted only when both windows are below their ceilings.
package ratelimit

import (
	"context"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/metrics"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"go.uber.org/zap"
)

const (
	hourWindow   = time.Hour
	minuteWindow = time.Minute
	hourPurge    = 2 * time.Hour
	minutePurge  = 5 * time.Minute
)

// Limit is the pair of ceilings for one mode.
type Limit struct {
	Hourly    int `json:"hourly"`
	PerMinute int `json:"per_minute"`
}

// DefaultLimits are the production ceilings.
func DefaultLimits() map[models.Mode]Limit {
	return map[models.Mode]Limit{
		models.ModeFast:     {Hourly: 100, PerMinute: 10},
		models.ModeThorough: {Hourly: 20, PerMinute: 3},
	}
}

// WindowState is the current count of both windows for one (user, mode).
// Oldest* is the start of the oldest bucket still counted, zero if empty.
type WindowState struct {
	Hour         int
	Minute       int
	OldestHour   time.Time
	OldestMinute time.Time
}

// Windows stores rate windows. Admit must check and record atomically.
type Windows interface {
	Admit(ctx context.Context, userID string, mode models.Mode, now time.Time, limit Limit) (bool, error)
	State(ctx context.Context, userID string, mode models.Mode, now time.Time) (WindowState, error)
	Refund(ctx context.Context, userID string, mode models.Mode, at time.Time) error
	Reset(ctx context.Context, userID string) error
}

// Admission identifies a recorded request so it can be refunded.
type Admission struct {
	UserID string
	Mode   models.Mode
	At     time.Time
	// Recorded is false for anonymous and fail-open admissions.
	Recorded bool
}

type Remaining struct {
	HourlyRemaining int   `json:"hourly_remaining"`
	MinuteRemaining int   `json:"minute_remaining"`
	Limits          Limit `json:"limits"`
}

type RateLimiter struct {
	windows Windows
	limits  map[models.Mode]Limit
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*RateLimiter)

// WithClock replaces time.Now; used by tests to roll windows over.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

func NewRateLimiter(windows Windows, limits map[models.Mode]Limit, logger *zap.Logger, opts ...Option) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	rl := &RateLimiter{
		windows: windows,
		limits:  limits,
		logger:  logging.OrNop(logger).Named("ratelimit"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Anonymous reports whether userID carries no identity to limit on.
func Anonymous(userID string) bool {
	return userID == "" || userID == "anonymous"
}

func (rl *RateLimiter) Limit(mode models.Mode) Limit {
	if l, ok := rl.limits[mode]; ok {
		return l
	}
	return rl.limits[models.ModeFast]
}

// Allow admits or rejects one request. It never returns an error: store
// failures admit the request and are logged.
func (rl *RateLimiter) Allow(ctx context.Context, userID string, mode models.Mode) bool {
	_, ok := rl.Admit(ctx, userID, mode)
	return ok
}

// Admit is Allow that also returns the admission record for Refund.
func (rl *RateLimiter) Admit(ctx context.Context, userID string, mode models.Mode) (Admission, bool) {
	now := rl.now()
	adm := Admission{UserID: userID, Mode: mode, At: now}
	if Anonymous(userID) {
		return adm, true
	}

	ok, err := rl.windows.Admit(ctx, userID, mode, now, rl.Limit(mode))
	if err != nil {
		rl.logger.Error("rate window unavailable, failing open",
			zap.String("user", userID), zap.String("mode", string(mode)), zap.Error(err))
		metrics.Admissions.WithLabelValues(string(mode), "fail_open").Inc()
		return adm, true
	}
	if !ok {
		metrics.Admissions.WithLabelValues(string(mode), "denied").Inc()
		return adm, false
	}
	metrics.Admissions.WithLabelValues(string(mode), "allowed").Inc()
	adm.Recorded = true
	return adm, true
}

// Refund removes a recorded admission, e.g. when the request was abandoned
// before the completion call ran. Each admission must be refunded at most
// once.
func (rl *RateLimiter) Refund(ctx context.Context, adm Admission) {
	if !adm.Recorded {
		return
	}
	if err := rl.windows.Refund(ctx, adm.UserID, adm.Mode, adm.At); err != nil {
		rl.logger.Warn("refund failed", zap.String("user", adm.UserID), zap.Error(err))
	}
}

// Remaining has no side effects.
func (rl *RateLimiter) Remaining(ctx context.Context, userID string, mode models.Mode) Remaining {
	limit := rl.Limit(mode)
	rem := Remaining{HourlyRemaining: limit.Hourly, MinuteRemaining: limit.PerMinute, Limits: limit}
	if Anonymous(userID) {
		return rem
	}

	state, err := rl.windows.State(ctx, userID, mode, rl.now())
	if err != nil {
		rl.logger.Warn("rate window read failed", zap.String("user", userID), zap.Error(err))
		return rem
	}
	rem.HourlyRemaining = max(limit.Hourly-state.Hour, 0)
	rem.MinuteRemaining = max(limit.PerMinute-state.Minute, 0)
	return rem
}

// RetryAfter estimates how long until a denied user would be admitted again.
func (rl *RateLimiter) RetryAfter(ctx context.Context, userID string, mode models.Mode) time.Duration {
	now := rl.now()
	state, err := rl.windows.State(ctx, userID, mode, now)
	if err != nil {
		return minuteWindow
	}
	limit := rl.Limit(mode)

	var wait time.Duration
	if state.Minute >= limit.PerMinute && !state.OldestMinute.IsZero() {
		wait = max(wait, state.OldestMinute.Add(minuteWindow).Sub(now))
	}
	if state.Hour >= limit.Hourly && !state.OldestHour.IsZero() {
		wait = max(wait, state.OldestHour.Add(hourWindow).Sub(now))
	}
	return max(wait, time.Second)
}

// Reset clears every window of the user.
func (rl *RateLimiter) Reset(ctx context.Context, userID string) error {
	if err := rl.windows.Reset(ctx, userID); err != nil {
		rl.logger.Error("rate limit reset failed", zap.String("user", userID), zap.Error(err))
		return err
	}
	rl.logger.Info("rate limit reset", zap.String("user", userID))
	return nil
}

// bucket keys: the hourly window counts minute buckets, the burst window
// counts second buckets.
func hourBucket(t time.Time) int64   { return t.Unix() / 60 * 60 }
func minuteBucket(t time.Time) int64 { return t.Unix() }

// counted bounds are inclusive lower limits for buckets inside the window.
func hourCutoff(now time.Time) int64   { return hourBucket(now) - int64(hourWindow/time.Second) + 60 }
func minuteCutoff(now time.Time) int64 { return minuteBucket(now) - int64(minuteWindow/time.Second) + 1 }

// purge bounds: buckets strictly older are dropped.
func hourPurgeBefore(now time.Time) int64   { return now.Unix() - int64(hourPurge/time.Second) }
func minutePurgeBefore(now time.Time) int64 { return now.Unix() - int64(minutePurge/time.Second) }
