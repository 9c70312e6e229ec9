package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/shard"
)

type windowKey struct {
	user string
	mode models.Mode
}

type window struct {
	mu      sync.Mutex
	hours   map[int64]int
	minutes map[int64]int
	// dead is set when Prune or Reset unlinks the window from its shard.
	dead bool
}

func newWindow() *window {
	return &window{hours: make(map[int64]int), minutes: make(map[int64]int)}
}

// purgeLocked drops stale buckets; caller holds w.mu.
func (w *window) purgeLocked(now time.Time) {
	hb, mb := hourPurgeBefore(now), minutePurgeBefore(now)
	for ts := range w.hours {
		if ts < hb {
			delete(w.hours, ts)
		}
	}
	for ts := range w.minutes {
		if ts < mb {
			delete(w.minutes, ts)
		}
	}
}

func (w *window) stateLocked(now time.Time) WindowState {
	var st WindowState
	hc, mc := hourCutoff(now), minuteCutoff(now)
	oldestH, oldestM := int64(-1), int64(-1)
	for ts, n := range w.hours {
		if ts >= hc && n > 0 {
			st.Hour += n
			if oldestH < 0 || ts < oldestH {
				oldestH = ts
			}
		}
	}
	for ts, n := range w.minutes {
		if ts >= mc && n > 0 {
			st.Minute += n
			if oldestM < 0 || ts < oldestM {
				oldestM = ts
			}
		}
	}
	if oldestH >= 0 {
		st.OldestHour = time.Unix(oldestH, 0)
	}
	if oldestM >= 0 {
		st.OldestMinute = time.Unix(oldestM, 0)
	}
	return st
}

type windowShard struct {
	mu      sync.RWMutex
	windows map[windowKey]*window
}

// MemoryWindows keeps rate windows in process. Shards are chosen by user so
// one user's burst only contends with users on the same stripe, and each
// window has its own lock for the check-and-record step.
type MemoryWindows struct {
	shards []*windowShard
}

func NewMemoryWindows() *MemoryWindows {
	m := &MemoryWindows{shards: make([]*windowShard, shard.Count)}
	for i := range m.shards {
		m.shards[i] = &windowShard{windows: make(map[windowKey]*window)}
	}
	return m
}

func (m *MemoryWindows) shardFor(userID string) *windowShard {
	return m.shards[shard.Index(userID, len(m.shards))]
}

func (m *MemoryWindows) get(userID string, mode models.Mode, create bool) *window {
	s := m.shardFor(userID)
	key := windowKey{user: userID, mode: mode}

	s.mu.RLock()
	w := s.windows[key]
	s.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.windows[key]; w == nil {
		w = newWindow()
		s.windows[key] = w
	}
	return w
}

func (m *MemoryWindows) Admit(_ context.Context, userID string, mode models.Mode, now time.Time, limit Limit) (bool, error) {
	var w *window
	for {
		w = m.get(userID, mode, true)
		w.mu.Lock()
		if !w.dead {
			break
		}
		w.mu.Unlock()
	}
	defer w.mu.Unlock()

	w.purgeLocked(now)
	st := w.stateLocked(now)
	if st.Hour >= limit.Hourly || st.Minute >= limit.PerMinute {
		return false, nil
	}
	w.hours[hourBucket(now)]++
	w.minutes[minuteBucket(now)]++
	return true, nil
}

func (m *MemoryWindows) State(_ context.Context, userID string, mode models.Mode, now time.Time) (WindowState, error) {
	w := m.get(userID, mode, false)
	if w == nil {
		return WindowState{}, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked(now), nil
}

func (m *MemoryWindows) Refund(_ context.Context, userID string, mode models.Mode, at time.Time) error {
	w := m.get(userID, mode, false)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.hours[hourBucket(at)]; n > 0 {
		w.hours[hourBucket(at)] = n - 1
	}
	if n := w.minutes[minuteBucket(at)]; n > 0 {
		w.minutes[minuteBucket(at)] = n - 1
	}
	return nil
}

func (m *MemoryWindows) Reset(_ context.Context, userID string) error {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if key.user == userID {
			w.mu.Lock()
			w.dead = true
			w.mu.Unlock()
			delete(s.windows, key)
		}
	}
	return nil
}

// Prune drops windows whose buckets have all aged out. It holds one shard
// lock at a time.
func (m *MemoryWindows) Prune(now time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			w.mu.Lock()
			w.purgeLocked(now)
			empty := len(w.hours) == 0 && len(w.minutes) == 0
			if empty {
				w.dead = true
			}
			w.mu.Unlock()
			if empty {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
