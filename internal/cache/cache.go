// Package cache stores prior research answers per (tenant, mode, case scope).
//
// Lookups try an exact hash of the normalized query first and then fall back
// to fuzzy matching over the entries of the same partition only. Entries of
// other tenants, modes or case scopes are never loaded for scoring.
package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/metrics"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/similarity"
	"go.uber.org/zap"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultResearchTTL = 7 * 24 * time.Hour
)

var (
	ErrNotFound     = errors.New("cache entry not found")
	ErrCorruptEntry = errors.New("cache entry unreadable")
)

// Backend holds entries grouped by partition. Implementations return copies;
// callers may mutate what they receive.
type Backend interface {
	Get(ctx context.Context, p models.Partition, hash string) (*models.CacheEntry, error)
	// Scan returns every readable entry of p plus the hashes of unreadable ones.
	Scan(ctx context.Context, p models.Partition) ([]*models.CacheEntry, []string, error)
	Put(ctx context.Context, e *models.CacheEntry) error
	// Hit increments the hit counter and moves ExpiresAt forward to extendTo
	// when that is later.
	Hit(ctx context.Context, p models.Partition, hash string, now, extendTo time.Time) (*models.CacheEntry, error)
	SetValid(ctx context.Context, p models.Partition, hash string, valid bool) error
	Delete(ctx context.Context, p models.Partition, hash string) error
	// Partitions lists partitions of tenantID, or of every tenant when empty.
	Partitions(ctx context.Context, tenantID string) ([]models.Partition, error)
	DropPartition(ctx context.Context, p models.Partition) (int, error)
}

type Cache struct {
	backend     Backend
	matcher     *similarity.Matcher
	logger      *zap.Logger
	now         func() time.Time
	extendOnHit time.Duration
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithExtendOnHit pushes an entry's expiry to at least now+d on every hit.
func WithExtendOnHit(d time.Duration) Option {
	return func(c *Cache) { c.extendOnHit = d }
}

func WithMatcher(m *similarity.Matcher) Option {
	return func(c *Cache) { c.matcher = m }
}

func New(backend Backend, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		matcher: similarity.NewMatcher(similarity.DefaultThreshold),
		logger:  logging.OrNop(logger).Named("cache"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HashQuery is the content hash of the normalized query.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(similarity.Normalize(query)))
	return fmt.Sprintf("%x", sum)
}

// Result is a cache hit.
type Result struct {
	Entry *models.CacheEntry
	Fuzzy bool
	Score float64
}

// Lookup returns a live entry of p matching query. Backend failures are
// returned so the caller can log them; they never produce a hit.
func (c *Cache) Lookup(ctx context.Context, p models.Partition, query string) (Result, bool, error) {
	now := c.now()
	hash := HashQuery(query)
	mode := string(p.Mode)

	e, err := c.backend.Get(ctx, p, hash)
	switch {
	case err == nil && e.Live(now):
		if hit, err := c.hit(ctx, p, hash, now); err == nil {
			metrics.CacheLookups.WithLabelValues(mode, "exact").Inc()
			return Result{Entry: hit, Score: 1}, true, nil
		}
	case errors.Is(err, ErrCorruptEntry):
		c.evictCorrupt(ctx, p, hash)
	case err != nil && !errors.Is(err, ErrNotFound):
		metrics.CacheLookups.WithLabelValues(mode, "error").Inc()
		return Result{}, false, fmt.Errorf("exact lookup: %w", err)
	}

	entries, corrupt, err := c.backend.Scan(ctx, p)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(mode, "error").Inc()
		return Result{}, false, fmt.Errorf("scan partition: %w", err)
	}
	for _, h := range corrupt {
		c.evictCorrupt(ctx, p, h)
	}

	live := make([]*models.CacheEntry, 0, len(entries))
	queries := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Live(now) {
			live = append(live, e)
			queries = append(queries, e.Query)
		}
	}

	match, ok := c.matcher.FindBestMatch(query, queries)
	if !ok {
		metrics.CacheLookups.WithLabelValues(mode, "miss").Inc()
		return Result{}, false, nil
	}
	hit, err := c.hit(ctx, p, live[match.Index].QueryHash, now)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(mode, "miss").Inc()
		return Result{}, false, nil
	}
	metrics.CacheLookups.WithLabelValues(mode, "fuzzy").Inc()
	c.logger.Debug("fuzzy cache hit",
		zap.String("partition", p.String()), zap.Float64("score", match.Score))
	return Result{Entry: hit, Fuzzy: true, Score: match.Score}, true, nil
}

func (c *Cache) hit(ctx context.Context, p models.Partition, hash string, now time.Time) (*models.CacheEntry, error) {
	var extendTo time.Time
	if c.extendOnHit > 0 {
		extendTo = now.Add(c.extendOnHit)
	}
	e, err := c.backend.Hit(ctx, p, hash, now, extendTo)
	if err != nil {
		return nil, err
	}
	if !e.Live(now) {
		return nil, ErrNotFound
	}
	return e, nil
}

func (c *Cache) evictCorrupt(ctx context.Context, p models.Partition, hash string) {
	metrics.CacheLookups.WithLabelValues(string(p.Mode), "corrupt").Inc()
	c.logger.Warn("evicting unreadable cache entry",
		zap.String("partition", p.String()), zap.String("hash", hash))
	if err := c.backend.Delete(ctx, p, hash); err != nil {
		c.logger.Error("failed to evict unreadable entry", zap.Error(err))
	}
}

type storeOptions struct {
	research      bool
	expandedQuery string
	resultCount   int
}

type StoreOption func(*storeOptions)

// AsResearch marks the entry as an expensive research answer that carries
// an explicit validity flag.
func AsResearch() StoreOption {
	return func(o *storeOptions) { o.research = true }
}

func WithExpandedQuery(q string) StoreOption {
	return func(o *storeOptions) { o.expandedQuery = q }
}

func WithResultCount(n int) StoreOption {
	return func(o *storeOptions) { o.resultCount = n }
}

// Store upserts the answer for query in p. A non-positive ttl stores an
// entry that is already expired.
func (c *Cache) Store(ctx context.Context, p models.Partition, query, answer string, ttl time.Duration, opts ...StoreOption) error {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := c.now()
	hash := HashQuery(query)
	entry := &models.CacheEntry{
		Partition:     p,
		QueryHash:     hash,
		Query:         query,
		Answer:        answer,
		ExpandedQuery: o.expandedQuery,
		ResultCount:   o.resultCount,
		Research:      o.research,
		Valid:         true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(max(ttl, 0)),
		LastAccessed:  now,
	}
	if prev, err := c.backend.Get(ctx, p, hash); err == nil {
		entry.HitCount = prev.HitCount
	}

	if err := c.backend.Put(ctx, entry); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Invalidate removes every entry of tenantID under scopeKey. An empty key
// or "*" covers the whole tenant; otherwise the key matches a case scope or
// a mode name.
func (c *Cache) Invalidate(ctx context.Context, tenantID, scopeKey string) (int, error) {
	parts, err := c.backend.Partitions(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	removed := 0
	for _, p := range parts {
		if p.TenantID != tenantID || !scopeMatches(p, scopeKey) {
			continue
		}
		n, err := c.backend.DropPartition(ctx, p)
		if err != nil {
			return removed, fmt.Errorf("drop %s: %w", p, err)
		}
		removed += n
	}
	c.logger.Info("cache invalidated",
		zap.String("tenant", tenantID), zap.String("scope", scopeKey), zap.Int("removed", removed))
	return removed, nil
}

func scopeMatches(p models.Partition, scopeKey string) bool {
	if scopeKey == "" || scopeKey == "*" {
		return true
	}
	return p.CaseScope == scopeKey || strings.EqualFold(string(p.Mode), scopeKey)
}

// Retract clears the validity flag of the entry for query so it is never
// served again. The sweep removes it later.
func (c *Cache) Retract(ctx context.Context, p models.Partition, query string) error {
	err := c.backend.SetValid(ctx, p, HashQuery(query), false)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Sweep deletes expired and invalid entries one at a time.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	parts, err := c.backend.Partitions(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	removed := 0
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		entries, corrupt, err := c.backend.Scan(ctx, p)
		if err != nil {
			c.logger.Warn("sweep scan failed", zap.String("partition", p.String()), zap.Error(err))
			continue
		}
		stale := corrupt
		for _, e := range entries {
			if !e.Live(now) {
				stale = append(stale, e.QueryHash)
			}
		}
		for _, h := range stale {
			if err := c.backend.Delete(ctx, p, h); err != nil {
				c.logger.Warn("sweep delete failed", zap.String("partition", p.String()), zap.Error(err))
				continue
			}
			removed++
		}
	}

	metrics.CacheSwept.Add(float64(removed))
	c.logger.Info("cache sweep complete", zap.Int("removed", removed), zap.Int("partitions", len(parts)))
	return removed, nil
}

// sortEntries orders candidates oldest first so fuzzy ties resolve the same
// way on every backend.
func sortEntries(entries []*models.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].QueryHash < entries[j].QueryHash
	})
}
