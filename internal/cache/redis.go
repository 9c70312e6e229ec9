package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/redis/go-redis/v9"
)

const tenantsKey = "cache:tenants"

// RedisBackend shares the answer cache between gateway instances. Each
// partition is one hash of JSON entries keyed by query hash, with hit
// counters in a sibling hash so concurrent hits never overwrite each other.
// Per-tenant sets index the partitions for invalidation and sweeping.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func partKey(p models.Partition) string {
	return fmt.Sprintf("cache:tenant:%s:mode:%s:scope:%s",
		url.QueryEscape(p.TenantID), p.Mode, url.QueryEscape(p.CaseScope))
}

func hitsKey(p models.Partition) string {
	return partKey(p) + ":hits"
}

func indexKey(tenantID string) string {
	return "cache:partitions:" + url.QueryEscape(tenantID)
}

func decode(raw, hits string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if hits != "" {
		if n, err := strconv.Atoi(hits); err == nil {
			e.HitCount = n
		}
	}
	return &e, nil
}

func (rb *RedisBackend) Get(ctx context.Context, p models.Partition, hash string) (*models.CacheEntry, error) {
	pipe := rb.client.Pipeline()
	raw := pipe.HGet(ctx, partKey(p), hash)
	hits := pipe.HGet(ctx, hitsKey(p), hash)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if errors.Is(raw.Err(), redis.Nil) {
		return nil, ErrNotFound
	}
	return decode(raw.Val(), hits.Val())
}

func (rb *RedisBackend) Scan(ctx context.Context, p models.Partition) ([]*models.CacheEntry, []string, error) {
	pipe := rb.client.Pipeline()
	raw := pipe.HGetAll(ctx, partKey(p))
	hits := pipe.HGetAll(ctx, hitsKey(p))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	hitCounts := hits.Val()
	var entries []*models.CacheEntry
	var corrupt []string
	for hash, v := range raw.Val() {
		e, err := decode(v, hitCounts[hash])
		if err != nil {
			corrupt = append(corrupt, hash)
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, corrupt, nil
}

func (rb *RedisBackend) Put(ctx context.Context, e *models.CacheEntry) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	member, err := json.Marshal(e.Partition)
	if err != nil {
		return err
	}

	_, err = rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, partKey(e.Partition), e.QueryHash, body)
		pipe.HSet(ctx, hitsKey(e.Partition), e.QueryHash, e.HitCount)
		pipe.SAdd(ctx, indexKey(e.TenantID), member)
		pipe.SAdd(ctx, tenantsKey, e.TenantID)
		return nil
	})
	return err
}

// maxTxAttempts bounds optimistic retries when a watched partition changes
// between the read and the write.
const maxTxAttempts = 8

// update runs fn under WATCH on the partition hash so that a concurrent
// Store, Delete or DropPartition aborts the write instead of being undone.
func (rb *RedisBackend) update(ctx context.Context, p models.Partition, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := rb.client.Watch(ctx, fn, partKey(p))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", p, redis.TxFailedErr)
}

func readEntry(ctx context.Context, tx *redis.Tx, p models.Partition, hash string) (*models.CacheEntry, error) {
	raw, err := tx.HGet(ctx, partKey(p), hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw, "")
}

func encode(e *models.CacheEntry) ([]byte, error) {
	stored := *e
	stored.HitCount = 0
	return json.Marshal(&stored)
}

func (rb *RedisBackend) Hit(ctx context.Context, p models.Partition, hash string, now, extendTo time.Time) (*models.CacheEntry, error) {
	var out *models.CacheEntry
	err := rb.update(ctx, p, func(tx *redis.Tx) error {
		e, err := readEntry(ctx, tx, p, hash)
		if err != nil {
			return err
		}
		e.LastAccessed = now

		var body []byte
		if extendTo.After(e.ExpiresAt) && e.Live(now) {
			e.ExpiresAt = extendTo
			if body, err = encode(e); err != nil {
				return err
			}
		}

		var hits *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			hits = pipe.HIncrBy(ctx, hitsKey(p), hash, 1)
			if body != nil {
				pipe.HSet(ctx, partKey(p), hash, body)
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.HitCount = int(hits.Val())
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (rb *RedisBackend) SetValid(ctx context.Context, p models.Partition, hash string, valid bool) error {
	return rb.update(ctx, p, func(tx *redis.Tx) error {
		e, err := readEntry(ctx, tx, p, hash)
		if err != nil {
			return err
		}
		e.Valid = valid
		body, err := encode(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, partKey(p), hash, body)
			return nil
		})
		return err
	})
}

func (rb *RedisBackend) Delete(ctx context.Context, p models.Partition, hash string) error {
	_, err := rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, partKey(p), hash)
		pipe.HDel(ctx, hitsKey(p), hash)
		return nil
	})
	return err
}

func (rb *RedisBackend) Partitions(ctx context.Context, tenantID string) ([]models.Partition, error) {
	tenants := []string{tenantID}
	if tenantID == "" {
		var err error
		if tenants, err = rb.client.SMembers(ctx, tenantsKey).Result(); err != nil {
			return nil, err
		}
	}

	var out []models.Partition
	for _, t := range tenants {
		members, err := rb.client.SMembers(ctx, indexKey(t)).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			var p models.Partition
			if err := json.Unmarshal([]byte(m), &p); err != nil {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (rb *RedisBackend) DropPartition(ctx context.Context, p models.Partition) (int, error) {
	member, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}

	var n *redis.IntCmd
	_, err = rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.HLen(ctx, partKey(p))
		pipe.Del(ctx, partKey(p), hitsKey(p))
		pipe.SRem(ctx, indexKey(p.TenantID), member)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n.Val()), nil
}
