package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/legal-research-gateway/internal/analytics"
	"github.com/HanTheDev/legal-research-gateway/internal/cache"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type recordingLog struct {
	mu      sync.Mutex
	entries []*models.QueryLog
	err     error
}

func (r *recordingLog) LogQuery(_ context.Context, e *models.QueryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingLog) all() []*models.QueryLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.QueryLog(nil), r.entries...)
}

type harness struct {
	gov     *Governor
	clock   *fakeClock
	backend *cache.MemoryBackend
	windows *ratelimit.MemoryWindows
	log     *recordingLog
}

func newHarness(opts ...Option) *harness {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 30, 0, time.UTC)}
	backend := cache.NewMemoryBackend()
	windows := ratelimit.NewMemoryWindows()
	log := &recordingLog{}

	gov := New(Deps{
		Limiter:   ratelimit.NewRateLimiter(windows, nil, nil, ratelimit.WithClock(clock.Now)),
		Cache:     cache.New(backend, nil, cache.WithClock(clock.Now)),
		Analytics: analytics.New(nil, analytics.WithClock(clock.Now)),
		QueryLog:  log,
	}, append([]Option{WithClock(clock.Now), WithPruner(windows)}, opts...)...)
	return &harness{gov: gov, clock: clock, backend: backend, windows: windows, log: log}
}

const definition = "What is a tolling agreement?"

func TestMissThenHit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := Request{TenantID: "org1", UserID: "u1", Query: definition, Mode: models.ModeAuto}

	d, err := h.gov.EvaluateQuery(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.ModeFast, d.Mode)
	assert.Equal(t, models.GeneralScope, d.CaseScope)
	assert.Nil(t, d.CachedAnswer)
	assert.Greater(t, d.Prediction.Estimate, 0.0, "a real miss is priced even for a common stem")
	assert.Equal(t, 99, d.Remaining.HourlyRemaining)

	rep, err := h.gov.RecordOutcome(ctx, Outcome{
		TenantID: "org1", UserID: "u1", Mode: d.Mode, Query: definition,
		Answer: "A tolling agreement pauses the statute of limitations. You should sign it before the deadline.",
		ActualCost: 0.12, Latency: 800 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, rep.Cached)
	assert.Nil(t, rep.Gate)
	assert.NotEmpty(t, rep.LogID)

	d, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "what's a tolling agreement", Mode: models.ModeAuto})
	require.NoError(t, err)
	require.NotNil(t, d.CachedAnswer)
	assert.Contains(t, d.CachedAnswer.Answer, "pauses the statute")
	assert.Zero(t, d.Prediction.Estimate)
	assert.True(t, d.Prediction.LikelyCached)

	d, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org2", UserID: "u9", Query: definition, Mode: models.ModeAuto})
	require.NoError(t, err)
	assert.Nil(t, d.CachedAnswer, "other tenant must miss")

	h.gov.Close()
	logs := h.log.all()
	require.Len(t, logs, 1)
	assert.Equal(t, rep.LogID, logs[0].ID)
	assert.Equal(t, "org1", logs[0].TenantID)
	assert.Equal(t, rep.Quality.Grade, logs[0].QualityGrade)
}

func TestAdmissionDenied(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: fmt.Sprintf("define term %d", i), Mode: models.ModeFast})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "define laches", Mode: models.ModeFast})
	require.Error(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, errors.Is(err, ErrAdmissionDenied))

	var denied *AdmissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, models.ModeFast, denied.Mode)
	assert.Equal(t, 0, denied.Remaining.MinuteRemaining)
	assert.Equal(t, 60*time.Second, denied.RetryAfter)

	_, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "define laches", Mode: models.ModeThorough})
	assert.NoError(t, err, "THOROUGH windows are separate")

	h.clock.Advance(61 * time.Second)
	_, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "define laches", Mode: models.ModeFast})
	assert.NoError(t, err)
}

func TestAbandonRefundsOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var last Decision
	for i := 0; i < 3; i++ {
		d, err := h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "draft a motion", Mode: models.ModeThorough})
		require.NoError(t, err)
		last = d
	}
	h.gov.Abandon(ctx, last)
	h.gov.Abandon(ctx, last)

	_, err := h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "draft a motion", Mode: models.ModeThorough})
	require.NoError(t, err)
	_, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "draft a motion", Mode: models.ModeThorough})
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	h.gov.Abandon(ctx, Decision{})
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.gov.EvaluateQuery(ctx, Request{UserID: "u1", Query: "define laches"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.gov.RecordOutcome(ctx, Outcome{TenantID: "org1", Mode: models.ModeAuto, Query: "q", Answer: "a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

const researchQuery = "Compare the statute of limitations in contract versus tort claims and recommend a strategy"

func TestThoroughOutcomeIsGatedAndRetractable(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	d, err := h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", CaseScope: "case-7", Query: researchQuery})
	require.NoError(t, err)
	require.Equal(t, models.ModeThorough, d.Mode)
	assert.Equal(t, "case-7", d.CaseScope)

	rep, err := h.gov.RecordOutcome(ctx, Outcome{
		TenantID: "org1", UserID: "u1", CaseScope: "case-7", Mode: models.ModeThorough, Query: researchQuery,
		Answer:     "## Authority\n\nSmith v. Jones and Brown v. Allen apply.",
		ActualCost: 1.8, Latency: 12 * time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, rep.Gate)
	assert.False(t, rep.Gate.Passed)
	assert.Contains(t, rep.Gate.Issues, "missing strategic assessment section")

	entries, _, err := h.backend.Scan(ctx, models.Partition{TenantID: "org1", Mode: models.ModeThorough, CaseScope: "case-7"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Research)
	assert.Equal(t, h.clock.Now().Add(cache.DefaultResearchTTL), entries[0].ExpiresAt)

	d, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", CaseScope: "case-7", Query: researchQuery})
	require.NoError(t, err)
	require.NotNil(t, d.CachedAnswer)

	d, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: researchQuery})
	require.NoError(t, err)
	assert.Nil(t, d.CachedAnswer, "general scope must not see case-7 answers")

	require.NoError(t, h.gov.RetractAnswer(ctx, "org1", models.ModeThorough, "case-7", researchQuery))
	h.clock.Advance(time.Minute)
	d, err = h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u2", CaseScope: "case-7", Query: researchQuery})
	require.NoError(t, err)
	assert.Nil(t, d.CachedAnswer)
}

func TestCachedOutcomeIsNotRestored(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	rep, err := h.gov.RecordOutcome(ctx, Outcome{
		TenantID: "org1", UserID: "u1", Mode: models.ModeFast, Query: definition,
		Answer: "from cache", FromCache: true, Latency: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, rep.Cached)
	assert.Zero(t, h.backend.Len())

	usage := h.gov.UserUsage("org1", "u1")
	assert.Equal(t, int64(1), usage.Metrics.CacheHits)
	assert.Equal(t, int64(1), h.gov.CurrentHour("org1").FastQueries)
}

func TestUsageTracksPredictedNotActualCost(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.gov.RecordOutcome(ctx, Outcome{
		TenantID: "org1", UserID: "u1", Mode: models.ModeThorough, Query: "draft a motion",
		Answer: "a", PredictedCost: 1.7, ActualCost: 2.4, Latency: time.Second,
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.7, h.gov.UserUsage("org1", "u1").Metrics.PredictedCost, 1e-9)
	assert.InDelta(t, 1.7, h.gov.CurrentHour("org1").PredictedCost, 1e-9)
	h.gov.Close()
}

func TestAdministrativeResets(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.gov.EvaluateQuery(ctx, Request{TenantID: "org1", UserID: "u1", Query: "draft a motion", Mode: models.ModeThorough})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, h.gov.RateLimitStatus(ctx, "u1", models.ModeThorough).MinuteRemaining)
	require.NoError(t, h.gov.ResetUserRateLimit(ctx, "u1"))
	assert.Equal(t, 3, h.gov.RateLimitStatus(ctx, "u1", models.ModeThorough).MinuteRemaining)

	_, err := h.gov.RecordOutcome(ctx, Outcome{TenantID: "org1", UserID: "u1", Mode: models.ModeFast, Query: "q1", Answer: "a1"})
	require.NoError(t, err)
	_, err = h.gov.RecordOutcome(ctx, Outcome{TenantID: "org1", UserID: "u1", CaseScope: "case-2", Mode: models.ModeFast, Query: "q2", Answer: "a2"})
	require.NoError(t, err)

	n, err := h.gov.InvalidateCache(ctx, "org1", "case-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.gov.ResetUserAnalytics("org1", "u1")
	assert.Zero(t, h.gov.UserUsage("org1", "u1").Metrics.Total())
	h.gov.Close()
}

func TestQueryLogFailureDoesNotFailOutcome(t *testing.T) {
	h := newHarness()
	h.log.err = errors.New("connection refused")

	_, err := h.gov.RecordOutcome(context.Background(), Outcome{TenantID: "org1", UserID: "u1", Mode: models.ModeFast, Query: "q", Answer: "a"})
	require.NoError(t, err)
	h.gov.Close()
	assert.Len(t, h.log.all(), 1)
}

func TestEstimateHasNoSideEffects(t *testing.T) {
	h := newHarness()
	sel, pred := h.gov.Estimate("org1", "u1", definition, models.ModeAuto)
	assert.Equal(t, models.ModeFast, sel.Mode)
	assert.True(t, pred.LikelyCached)
	assert.Equal(t, 10, h.gov.RateLimitStatus(context.Background(), "u1", models.ModeFast).MinuteRemaining)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	h := newHarness(WithIntervals(10*time.Millisecond, 10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.gov.RecordOutcome(ctx, Outcome{TenantID: "org1", UserID: "u1", Mode: models.ModeFast, Query: "q", Answer: "a"})
	require.NoError(t, err)
	require.Equal(t, 1, h.backend.Len())
	h.clock.Advance(25 * time.Hour)

	done := make(chan error, 1)
	go func() { done <- h.gov.Run(ctx) }()

	require.Eventually(t, func() bool { return h.backend.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	h.gov.Close()
}
