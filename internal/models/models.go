package models

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the execution path for the completion call.
type Mode string

const (
	ModeFast     Mode = "FAST"
	ModeThorough Mode = "THOROUGH"
	ModeAuto     Mode = "AUTO"
)

// GeneralScope is the case scope for matter-independent queries.
const GeneralScope = "general"

// ParseMode accepts any casing; empty input means AUTO.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUTO":
		return ModeAuto, nil
	case "FAST":
		return ModeFast, nil
	case "THOROUGH":
		return ModeThorough, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Explicit reports whether m names a concrete execution path.
func (m Mode) Explicit() bool {
	return m == ModeFast || m == ModeThorough
}

// NormalizeScope maps an empty case identifier to the general sentinel.
func NormalizeScope(caseScope string) string {
	if strings.TrimSpace(caseScope) == "" {
		return GeneralScope
	}
	return caseScope
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Partition is the isolation boundary of a cached answer.
type Partition struct {
	TenantID  string `json:"tenant_id"`
	Mode      Mode   `json:"mode"`
	CaseScope string `json:"case_scope"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%s/%s", p.TenantID, p.Mode, p.CaseScope)
}

type CacheEntry struct {
	Partition
	QueryHash     string    `json:"query_hash"`
	Query         string    `json:"query"`
	Answer        string    `json:"answer"`
	ExpandedQuery string    `json:"expanded_query,omitempty"`
	ResultCount   int       `json:"result_count"`
	HitCount      int       `json:"hit_count"`
	Research      bool      `json:"research"`
	Valid         bool      `json:"valid"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// Live reports whether the entry may still be served at now.
func (e *CacheEntry) Live(now time.Time) bool {
	return e.Valid && now.Before(e.ExpiresAt)
}

type UsageMetrics struct {
	FastQueries     int64         `json:"fast_queries"`
	ThoroughQueries int64         `json:"thorough_queries"`
	CacheHits       int64         `json:"cache_hits"`
	PredictedCost   float64       `json:"predicted_cost"`
	TotalLatency    time.Duration `json:"total_latency"`
}

func (u UsageMetrics) Total() int64 {
	return u.FastQueries + u.ThoroughQueries
}

func (u UsageMetrics) CacheHitRate() float64 {
	if u.Total() == 0 {
		return 0
	}
	return float64(u.CacheHits) / float64(u.Total())
}

func (u UsageMetrics) ThoroughRatio() float64 {
	if u.Total() == 0 {
		return 0
	}
	return float64(u.ThoroughQueries) / float64(u.Total())
}

func (u UsageMetrics) AverageLatency() time.Duration {
	if u.Total() == 0 {
		return 0
	}
	return u.TotalLatency / time.Duration(u.Total())
}

// QueryLog is one completed research request as persisted for reporting.
type QueryLog struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	CaseScope      string    `json:"case_scope"`
	Mode           Mode      `json:"mode"`
	LatencyMs      int64     `json:"latency_ms"`
	FromCache      bool      `json:"from_cache"`
	ActualCost     float64   `json:"actual_cost"`
	QualityOverall float64   `json:"quality_overall"`
	QualityGrade   string    `json:"quality_grade"`
	CounselReady   bool      `json:"counsel_ready"`
	CreatedAt      time.Time `json:"created_at"`
}

type TenantAnalytics struct {
	TenantID        string  `json:"tenant_id"`
	TotalQueries    int64   `json:"total_queries"`
	FastQueries     int64   `json:"fast_queries"`
	ThoroughQueries int64   `json:"thorough_queries"`
	CacheHits       int64   `json:"cache_hits"`
	TotalCost       float64 `json:"total_cost"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	AvgQuality      float64 `json:"avg_quality"`
	CounselReady    int64   `json:"counsel_ready"`
}
