// Package analytics keeps per-tenant usage counters for the current hours
// and for each user, and derives usage recommendations from them.
package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/shard"
	"go.uber.org/zap"
)

// Retention is how long hour buckets survive the rollup.
const Retention = 24 * time.Hour

const (
	lowHitRate        = 0.3
	lowHitMinQueries  = 10
	highThoroughRatio = 0.8
	highThoroughMin   = 20
	highHitRate       = 0.6
)

const (
	RecommendBuildCache = "Cache hit rate is low. Run routine questions in FAST mode to build up reusable answers."
	RecommendUseFast    = "Most queries run in THOROUGH mode. Use FAST mode for routine questions to reduce cost."
	RecommendKeepGoing  = "Cache hit rate is high. Prior research is being reused well."
	RecommendBalanced   = "Usage is balanced between FAST and THOROUGH modes."
)

type tenantMetrics struct {
	hours map[int64]*models.UsageMetrics
	users map[string]*models.UsageMetrics
}

type stripe struct {
	mu      sync.Mutex
	tenants map[string]*tenantMetrics
}

// Aggregator is safe for concurrent use. Tenants are striped so one
// tenant's traffic only contends with tenants on the same stripe.
type Aggregator struct {
	stripes []*stripe
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		stripes: make([]*stripe, shard.Count),
		logger:  logging.OrNop(logger).Named("analytics"),
		now:     time.Now,
	}
	for i := range a.stripes {
		a.stripes[i] = &stripe{tenants: make(map[string]*tenantMetrics)}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) stripeFor(tenantID string) *stripe {
	return a.stripes[shard.Index(tenantID, len(a.stripes))]
}

func hourKey(t time.Time) int64 {
	return t.Truncate(time.Hour).Unix()
}

func add(m *models.UsageMetrics, mode models.Mode, latency time.Duration, fromCache bool, predictedCost float64) {
	if mode == models.ModeThorough {
		m.ThoroughQueries++
	} else {
		m.FastQueries++
	}
	if fromCache {
		m.CacheHits++
	}
	m.PredictedCost += predictedCost
	m.TotalLatency += latency
}

// Record adds one completed request, with the cost predicted for it, to the
// tenant's current hour and to the user's totals in a single critical section.
func (a *Aggregator) Record(tenantID, userID string, mode models.Mode, latency time.Duration, fromCache bool, predictedCost float64) {
	hour := hourKey(a.now())
	s := a.stripeFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, ok := s.tenants[tenantID]
	if !ok {
		tm = &tenantMetrics{
			hours: make(map[int64]*models.UsageMetrics),
			users: make(map[string]*models.UsageMetrics),
		}
		s.tenants[tenantID] = tm
	}

	hm, ok := tm.hours[hour]
	if !ok {
		hm = &models.UsageMetrics{}
		tm.hours[hour] = hm
	}
	add(hm, mode, latency, fromCache, predictedCost)

	if userID == "" {
		return
	}
	um, ok := tm.users[userID]
	if !ok {
		um = &models.UsageMetrics{}
		tm.users[userID] = um
	}
	add(um, mode, latency, fromCache, predictedCost)
}

// CurrentHourSnapshot returns a copy of the tenant's metrics for this hour.
func (a *Aggregator) CurrentHourSnapshot(tenantID string) models.UsageMetrics {
	hour := hourKey(a.now())
	s := a.stripeFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if tm, ok := s.tenants[tenantID]; ok {
		if hm, ok := tm.hours[hour]; ok {
			return *hm
		}
	}
	return models.UsageMetrics{}
}

type UserReport struct {
	TenantID       string              `json:"tenant_id"`
	UserID         string              `json:"user_id"`
	Metrics        models.UsageMetrics `json:"metrics"`
	CacheHitRate   float64             `json:"cache_hit_rate"`
	ThoroughRatio  float64             `json:"thorough_ratio"`
	Recommendation string              `json:"recommendation"`
}

func (a *Aggregator) UserSnapshot(tenantID, userID string) UserReport {
	m := a.userMetrics(tenantID, userID)
	return UserReport{
		TenantID:       tenantID,
		UserID:         userID,
		Metrics:        m,
		CacheHitRate:   m.CacheHitRate(),
		ThoroughRatio:  m.ThoroughRatio(),
		Recommendation: Recommend(m),
	}
}

func (a *Aggregator) userMetrics(tenantID, userID string) models.UsageMetrics {
	s := a.stripeFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if tm, ok := s.tenants[tenantID]; ok {
		if um, ok := tm.users[userID]; ok {
			return *um
		}
	}
	return models.UsageMetrics{}
}

// QueryMix reports the user's fast and thorough counts for mode selection.
func (a *Aggregator) QueryMix(tenantID, userID string) (int64, int64) {
	m := a.userMetrics(tenantID, userID)
	return m.FastQueries, m.ThoroughQueries
}

// Recommend turns a user's totals into advice. Rules are checked in order.
func Recommend(m models.UsageMetrics) string {
	total := m.Total()
	switch {
	case total > lowHitMinQueries && m.CacheHitRate() < lowHitRate:
		return RecommendBuildCache
	case total > highThoroughMin && m.ThoroughRatio() > highThoroughRatio:
		return RecommendUseFast
	case m.CacheHitRate() > highHitRate:
		return RecommendKeepGoing
	}
	return RecommendBalanced
}

// ResetUser drops the user's totals. Hour buckets already include the
// user's past requests and are left alone.
func (a *Aggregator) ResetUser(tenantID, userID string) {
	s := a.stripeFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if tm, ok := s.tenants[tenantID]; ok {
		delete(tm.users, userID)
	}
}

// HourSummary is one retained hour bucket.
type HourSummary struct {
	Hour    time.Time           `json:"hour"`
	Metrics models.UsageMetrics `json:"metrics"`
}

type TenantReport struct {
	TenantID string              `json:"tenant_id"`
	Hours    []HourSummary       `json:"hours"`
	Totals   models.UsageMetrics `json:"totals"`
	Users    int                 `json:"users"`
}

// TenantReport returns the retained hour buckets of a tenant, oldest first.
func (a *Aggregator) TenantReport(tenantID string) TenantReport {
	s := a.stripeFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := TenantReport{TenantID: tenantID}
	tm, ok := s.tenants[tenantID]
	if !ok {
		return rep
	}
	for h, m := range tm.hours {
		rep.Hours = append(rep.Hours, HourSummary{Hour: time.Unix(h, 0).UTC(), Metrics: *m})
		rep.Totals.FastQueries += m.FastQueries
		rep.Totals.ThoroughQueries += m.ThoroughQueries
		rep.Totals.CacheHits += m.CacheHits
		rep.Totals.PredictedCost += m.PredictedCost
		rep.Totals.TotalLatency += m.TotalLatency
	}
	sort.Slice(rep.Hours, func(i, j int) bool { return rep.Hours[i].Hour.Before(rep.Hours[j].Hour) })
	rep.Users = len(tm.users)
	return rep
}

// Rollup logs the last complete hour of every tenant and evicts hour
// buckets older than Retention. Stripes are locked one at a time.
func (a *Aggregator) Rollup() int {
	now := a.now()
	cutoff := hourKey(now.Add(-Retention))
	last := hourKey(now.Add(-time.Hour))

	evicted := 0
	for _, s := range a.stripes {
		s.mu.Lock()
		for tenantID, tm := range s.tenants {
			if m, ok := tm.hours[last]; ok {
				a.logger.Info("hourly usage",
					zap.String("tenant", tenantID),
					zap.Int64("fast", m.FastQueries),
					zap.Int64("thorough", m.ThoroughQueries),
					zap.Int64("cache_hits", m.CacheHits),
					zap.Float64("predicted_cost", m.PredictedCost),
					zap.Duration("avg_latency", m.AverageLatency()))
			}
			for h := range tm.hours {
				if h < cutoff {
					delete(tm.hours, h)
					evicted++
				}
			}
			if len(tm.hours) == 0 && len(tm.users) == 0 {
				delete(s.tenants, tenantID)
			}
		}
		s.mu.Unlock()
	}
	a.logger.Debug("analytics rollup complete", zap.Int("evicted", evicted))
	return evicted
}
