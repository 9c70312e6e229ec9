// Package governor sits between research requests and the completion call.
// EvaluateQuery decides whether and how a query may run; RecordOutcome
// grades and stores what came back. The completion call itself happens in
// between, outside this package.
package governor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HanTheDev/legal-research-gateway/internal/analytics"
	"github.com/HanTheDev/legal-research-gateway/internal/cache"
	"github.com/HanTheDev/legal-research-gateway/internal/cost"
	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/metrics"
	"github.com/HanTheDev/legal-research-gateway/internal/mode"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/quality"
	"github.com/HanTheDev/legal-research-gateway/internal/ratelimit"
)

const queryLogTimeout = 5 * time.Second

// QueryLogger persists completed requests. Failures are logged and dropped.
type QueryLogger interface {
	LogQuery(ctx context.Context, entry *models.QueryLog) error
}

// Profile is how answers of one mode are cached.
type Profile struct {
	TTL      time.Duration
	Research bool
}

// DefaultProfiles cache FAST answers for a day and THOROUGH research
// answers for a week behind a validity flag.
func DefaultProfiles() map[models.Mode]Profile {
	return map[models.Mode]Profile{
		models.ModeFast:     {TTL: cache.DefaultTTL},
		models.ModeThorough: {TTL: cache.DefaultResearchTTL, Research: true},
	}
}

type Deps struct {
	Limiter   *ratelimit.RateLimiter
	Cache     *cache.Cache
	Selector  *mode.Selector
	Estimator *cost.Estimator
	Scorer    *quality.Scorer
	Analytics *analytics.Aggregator
	QueryLog  QueryLogger
	Logger    *zap.Logger
}

type Governor struct {
	limiter   *ratelimit.RateLimiter
	cache     *cache.Cache
	selector  *mode.Selector
	estimator *cost.Estimator
	scorer    *quality.Scorer
	analytics *analytics.Aggregator
	queryLog  QueryLogger
	logger    *zap.Logger

	profiles       map[models.Mode]Profile
	sweepInterval  time.Duration
	rollupInterval time.Duration
	pruner         Pruner
	now            func() time.Time

	pending sync.WaitGroup
}

type Option func(*Governor)

func WithProfiles(p map[models.Mode]Profile) Option {
	return func(g *Governor) { g.profiles = p }
}

func WithIntervals(sweep, rollup time.Duration) Option {
	return func(g *Governor) {
		g.sweepInterval = sweep
		g.rollupInterval = rollup
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

func New(deps Deps, opts ...Option) *Governor {
	g := &Governor{
		limiter:        deps.Limiter,
		cache:          deps.Cache,
		selector:       deps.Selector,
		estimator:      deps.Estimator,
		scorer:         deps.Scorer,
		analytics:      deps.Analytics,
		queryLog:       deps.QueryLog,
		logger:         logging.OrNop(deps.Logger).Named("governor"),
		profiles:       DefaultProfiles(),
		sweepInterval:  time.Hour,
		rollupInterval: time.Hour,
		now:            time.Now,
	}
	if g.analytics == nil {
		g.analytics = analytics.New(deps.Logger)
	}
	if g.selector == nil {
		g.selector = mode.NewSelector(g.analytics)
	}
	if g.estimator == nil {
		g.estimator = cost.NewEstimator()
	}
	if g.scorer == nil {
		g.scorer = quality.NewScorer()
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type Request struct {
	TenantID  string      `json:"-"`
	UserID    string      `json:"-"`
	CaseScope string      `json:"case_scope"`
	Query     string      `json:"query"`
	Mode      models.Mode `json:"mode"`
}

type CachedAnswer struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Fuzzy     bool      `json:"fuzzy"`
	Score     float64   `json:"similarity"`
	HitCount  int       `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
}

type Decision struct {
	Allowed      bool                `json:"allowed"`
	Mode         models.Mode         `json:"mode"`
	CaseScope    string              `json:"case_scope"`
	Selection    mode.Selection      `json:"selection"`
	Prediction   cost.Prediction     `json:"cost_prediction"`
	CachedAnswer *CachedAnswer       `json:"cached_answer,omitempty"`
	Remaining    ratelimit.Remaining `json:"remaining"`

	admission *admission
}

// admission guards a rate limiter record against being refunded twice.
type admission struct {
	ratelimit.Admission
	released atomic.Bool
}

// EvaluateQuery selects a mode, admits the request against that mode's
// windows and tries the cache. A nil error with a nil CachedAnswer means the
// caller should run the completion and then call RecordOutcome.
func (g *Governor) EvaluateQuery(ctx context.Context, req Request) (Decision, error) {
	if req.TenantID == "" {
		return Decision{}, invalid("tenant id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return Decision{}, invalid("query is empty")
	}
	scope := models.NormalizeScope(req.CaseScope)

	sel := g.selector.Select(req.TenantID, req.UserID, req.Query, req.Mode)
	metrics.ModeSelections.WithLabelValues(string(sel.Mode), string(sel.Source)).Inc()
	d := Decision{Mode: sel.Mode, CaseScope: scope, Selection: sel}

	adm, ok := g.limiter.Admit(ctx, req.UserID, sel.Mode)
	if !ok {
		rem := g.limiter.Remaining(ctx, req.UserID, sel.Mode)
		d.Remaining = rem
		err := &AdmissionDeniedError{
			Mode:       sel.Mode,
			RetryAfter: g.limiter.RetryAfter(ctx, req.UserID, sel.Mode),
			Remaining:  rem,
		}
		g.logger.Info("admission denied",
			zap.String("tenant", req.TenantID), zap.String("user", req.UserID),
			zap.String("mode", string(sel.Mode)), zap.Duration("retry_after", err.RetryAfter))
		return d, err
	}
	if ratelimit.Anonymous(req.UserID) {
		g.logger.Warn("anonymous request bypassed rate limiting", zap.String("tenant", req.TenantID))
	}
	d.Allowed = true
	d.admission = &admission{Admission: adm}
	d.Remaining = g.limiter.Remaining(ctx, req.UserID, sel.Mode)

	part := models.Partition{TenantID: req.TenantID, Mode: sel.Mode, CaseScope: scope}
	res, hit, err := g.cache.Lookup(ctx, part, req.Query)
	if err != nil {
		g.logger.Warn("cache lookup failed, treating as miss", zap.String("partition", part.String()), zap.Error(err))
	}
	if hit {
		d.CachedAnswer = &CachedAnswer{
			Query:     res.Entry.Query,
			Answer:    res.Entry.Answer,
			Fuzzy:     res.Fuzzy,
			Score:     res.Score,
			HitCount:  res.Entry.HitCount,
			CreatedAt: res.Entry.CreatedAt,
		}
		d.Prediction = cost.Prediction{
			Mode:         sel.Mode,
			Explanation:  "Served from cache; no completion call needed",
			Breakdown:    []cost.LineItem{},
			LikelyCached: true,
		}
		return d, nil
	}

	d.Prediction = g.estimator.PredictUncached(req.Query, sel.Mode)
	if d.Prediction.Fallback {
		g.logger.Warn("cost estimation unavailable, using default band",
			zap.String("tenant", req.TenantID), zap.String("reason", d.Prediction.Explanation))
	}
	metrics.PredictedCost.WithLabelValues(string(sel.Mode)).Add(d.Prediction.Estimate)
	return d, nil
}

// Abandon refunds the admission of a decision whose completion never ran.
// Calling it more than once, or on a denied decision, does nothing.
func (g *Governor) Abandon(ctx context.Context, d Decision) {
	if d.admission == nil || !d.admission.released.CompareAndSwap(false, true) {
		return
	}
	g.limiter.Refund(ctx, d.admission.Admission)
	g.logger.Debug("admission refunded", zap.String("user", d.admission.UserID), zap.String("mode", string(d.Mode)))
}

// Outcome is what came back for an evaluated query. PredictedCost is the
// Decision's estimate and feeds usage analytics; ActualCost goes to the
// query log.
type Outcome struct {
	TenantID      string        `json:"-"`
	UserID        string        `json:"-"`
	CaseScope     string        `json:"case_scope"`
	Mode          models.Mode   `json:"mode"`
	Query         string        `json:"query"`
	Answer        string        `json:"answer"`
	PredictedCost float64       `json:"predicted_cost"`
	ActualCost    float64       `json:"actual_cost"`
	Latency       time.Duration `json:"latency"`
	FromCache     bool          `json:"from_cache"`
}

type Report struct {
	LogID   string              `json:"log_id"`
	Quality quality.Score       `json:"quality"`
	Gate    *quality.GateResult `json:"counsel_ready,omitempty"`
	Cached  bool                `json:"cached"`
}

// RecordOutcome grades the answer, caches it when it came from a fresh
// completion and records usage. Scoring, caching and logging failures are
// logged; only malformed input is returned as an error.
func (g *Governor) RecordOutcome(ctx context.Context, o Outcome) (Report, error) {
	if o.TenantID == "" {
		return Report{}, invalid("tenant id is required")
	}
	if !o.Mode.Explicit() {
		return Report{}, invalid("mode must be FAST or THOROUGH, got %q", o.Mode)
	}
	scope := models.NormalizeScope(o.CaseScope)

	rep := Report{LogID: uuid.NewString()}
	rep.Quality = g.scorer.Score(o.Answer, o.Query, o.Mode)
	if rep.Quality.Degraded {
		g.logger.Warn("answer scored in degraded mode",
			zap.String("tenant", o.TenantID), zap.Strings("feedback", rep.Quality.Feedback))
	}
	metrics.QualityOverall.WithLabelValues(string(o.Mode)).Observe(rep.Quality.Overall)

	if o.Mode == models.ModeThorough {
		gate := quality.CounselReadyGate(o.Answer, o.Mode)
		rep.Gate = &gate
	}

	if !o.FromCache && strings.TrimSpace(o.Answer) != "" && strings.TrimSpace(o.Query) != "" {
		rep.Cached = g.store(ctx, models.Partition{TenantID: o.TenantID, Mode: o.Mode, CaseScope: scope}, o)
	}

	g.analytics.Record(o.TenantID, o.UserID, o.Mode, o.Latency, o.FromCache, o.PredictedCost)
	metrics.CompletionLatency.WithLabelValues(string(o.Mode), boolLabel(o.FromCache)).Observe(o.Latency.Seconds())

	g.logQuery(ctx, &models.QueryLog{
		ID:             rep.LogID,
		TenantID:       o.TenantID,
		UserID:         o.UserID,
		CaseScope:      scope,
		Mode:           o.Mode,
		LatencyMs:      o.Latency.Milliseconds(),
		FromCache:      o.FromCache,
		ActualCost:     o.ActualCost,
		QualityOverall: rep.Quality.Overall,
		QualityGrade:   rep.Quality.Grade,
		CounselReady:   rep.Gate != nil && rep.Gate.Passed,
		CreatedAt:      g.now(),
	})
	return rep, nil
}

func (g *Governor) store(ctx context.Context, p models.Partition, o Outcome) bool {
	profile, ok := g.profiles[o.Mode]
	if !ok {
		profile = Profile{TTL: cache.DefaultTTL}
	}
	var opts []cache.StoreOption
	if profile.Research {
		opts = append(opts, cache.AsResearch())
	}
	if err := g.cache.Store(ctx, p, o.Query, o.Answer, profile.TTL, opts...); err != nil {
		g.logger.Warn("failed to cache answer", zap.String("partition", p.String()), zap.Error(err))
		return false
	}
	return true
}

// logQuery writes the log entry in the background so the request never
// waits on the database.
func (g *Governor) logQuery(ctx context.Context, entry *models.QueryLog) {
	if g.queryLog == nil {
		return
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryLogTimeout)
		defer cancel()
		if err := g.queryLog.LogQuery(ctx, entry); err != nil {
			g.logger.Warn("failed to write query log", zap.String("id", entry.ID), zap.Error(err))
		}
	}()
}

// Estimate prices a query before admission. Unlike EvaluateQuery it has no
// side effects and uses the question-stem heuristic for cache likelihood.
func (g *Governor) Estimate(tenantID, userID, query string, requested models.Mode) (mode.Selection, cost.Prediction) {
	sel := g.selector.Select(tenantID, userID, query, requested)
	return sel, g.estimator.Predict(query, sel.Mode)
}

func (g *Governor) InvalidateCache(ctx context.Context, tenantID, scopeKey string) (int, error) {
	if tenantID == "" {
		return 0, invalid("tenant id is required")
	}
	return g.cache.Invalidate(ctx, tenantID, scopeKey)
}

// RetractAnswer clears the validity flag of one cached answer.
func (g *Governor) RetractAnswer(ctx context.Context, tenantID string, m models.Mode, caseScope, query string) error {
	if tenantID == "" || !m.Explicit() {
		return invalid("tenant id and an explicit mode are required")
	}
	p := models.Partition{TenantID: tenantID, Mode: m, CaseScope: models.NormalizeScope(caseScope)}
	if err := g.cache.Retract(ctx, p, query); err != nil {
		return err
	}
	g.logger.Info("answer retracted", zap.String("partition", p.String()))
	return nil
}

func (g *Governor) ResetUserRateLimit(ctx context.Context, userID string) error {
	return g.limiter.Reset(ctx, userID)
}

func (g *Governor) ResetUserAnalytics(tenantID, userID string) {
	g.analytics.ResetUser(tenantID, userID)
	g.logger.Info("user analytics reset", zap.String("tenant", tenantID), zap.String("user", userID))
}

func (g *Governor) RateLimitStatus(ctx context.Context, userID string, m models.Mode) ratelimit.Remaining {
	return g.limiter.Remaining(ctx, userID, m)
}

func (g *Governor) UserUsage(tenantID, userID string) analytics.UserReport {
	return g.analytics.UserSnapshot(tenantID, userID)
}

func (g *Governor) CurrentHour(tenantID string) models.UsageMetrics {
	return g.analytics.CurrentHourSnapshot(tenantID)
}

func (g *Governor) TenantUsage(tenantID string) analytics.TenantReport {
	return g.analytics.TenantReport(tenantID)
}

// Close waits for background query log writes.
func (g *Governor) Close() {
	g.pending.Wait()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
