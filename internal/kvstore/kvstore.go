// Package kvstore implements the TTL-capable key-value store (spec.md
// §4.4, §6.4): put/get/delete/list/expire/ttl on string keys carrying
// JSON-encoded values with optional absolute expiry, lazy expiry on read
// plus a single consolidated alarm that sweeps expired entries.
//
// Grounded on the teacher's internal/cache/cache.go (a multi-tier
// LRU/ARC/FIFO cache with CacheEntry.ExpiresAt), narrowed to the spec's
// single-tier TTL semantics; the `now` package var override for
// deterministic tests is carried over verbatim from that file.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/brainhub/hub/internal/metrics"
)

// now is the package time source; tests override it for deterministic
// alarm/TTL behavior.
var now = time.Now

// Persister is the write-behind persistence contract a Store can mirror
// its entries through (internal/kvpersist implements this). A nil
// Persister means memory-only operation.
type Persister interface {
	Save(ctx context.Context, key, jsonPayload string) error
	Delete(ctx context.Context, key string) error
	LoadAll(ctx context.Context) (map[string]string, error)
	SaveAlarm(ctx context.Context, deadline *time.Time) error
	LoadAlarm(ctx context.Context) (*time.Time, error)
}

// entry is the in-memory representation of a KV Entry (spec.md §3). raw
// holds the caller's JSON-encoded value; expiresAt is nil for "no
// expiry".
type entry struct {
	raw       json.RawMessage
	expiresAt *time.Time
}

// payload is the on-the-wire / persisted shape from spec.md §4.4/§6.4:
// {"value": V, "expiresAt": T | null}.
type payload struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt *int64          `json:"expiresAt"`
}

// Store is the TTL KV Store. It is its own lock domain (spec.md §5).
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	index   *lru.Cache // bounds live keys at maxKeys; eviction deletes the entry

	alarm      *time.Time
	alarmTimer *time.Timer

	persist Persister
	logger  *zap.Logger
	metrics *metrics.Hub
	maxKeys int
}

// New constructs a Store. persist may be nil for memory-only operation.
func New(maxKeys int, persist Persister, logger *zap.Logger, m *metrics.Hub) *Store {
	s := &Store{
		entries: make(map[string]entry),
		persist: persist,
		logger:  logger,
		metrics: m,
		maxKeys: maxKeys,
	}
	idx, _ := lru.NewWithEvict(maxKeys, func(key interface{}, _ interface{}) {
		s.evictKey(key.(string))
	})
	s.index = idx
	return s
}

// evictKey removes key from the store without going through the normal
// Delete path's lock (called from within the LRU's own eviction, which
// happens under s.mu already held by the caller in Put).
func (s *Store) evictKey(key string) {
	delete(s.entries, key)
	if s.persist != nil {
		_ = s.persist.Delete(context.Background(), key)
	}
}

// Restore loads persisted entries and the alarm deadline at startup.
// Malformed persisted rows are skipped (spec.md §4.4 sweep tolerance).
func (s *Store) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	rows, err := s.persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: restore: %w", err)
	}
	s.mu.Lock()
	for key, raw := range rows {
		var p payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue // malformed entry, skip per spec.md §4.4
		}
		e := entry{raw: p.Value}
		if p.ExpiresAt != nil {
			t := time.UnixMilli(*p.ExpiresAt)
			e.expiresAt = &t
		}
		s.entries[key] = e
		s.index.Add(key, struct{}{})
	}
	s.mu.Unlock()

	deadline, err := s.persist.LoadAlarm(ctx)
	if err == nil && deadline != nil {
		s.scheduleExpiry(*deadline)
	}
	return nil
}

// Put sets key to value with an optional TTL in seconds. If ttlSeconds is
// non-nil, the alarm is scheduled to min(current alarm, now+ttl*1000)
// (spec.md §4.4).
func (s *Store) Put(ctx context.Context, key string, value any, ttlSeconds *int) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}

	var expiresAt *time.Time
	if ttlSeconds != nil {
		t := now().Add(time.Duration(*ttlSeconds) * time.Second)
		expiresAt = &t
	}

	s.mu.Lock()
	s.entries[key] = entry{raw: raw, expiresAt: expiresAt}
	s.index.Add(key, struct{}{})
	liveKeys := len(s.entries)
	s.mu.Unlock()

	if expiresAt != nil {
		s.scheduleExpiry(*expiresAt)
	}

	if s.metrics != nil {
		s.metrics.KVPutTotal.Inc()
		s.metrics.KVKeys.Set(float64(liveKeys))
	}

	if s.persist != nil {
		if err := s.persist.Save(ctx, key, encodePayload(raw, expiresAt)); err != nil && s.logger != nil {
			s.logger.Warn("kvstore: persist put failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Get returns the decoded value for key. If the entry has expired
// (expiresAt <= now), it is deleted and (nil, false, true) is returned
// (spec.md §3: "a get observing expiresAt <= now MUST delete K").
func (s *Store) Get(ctx context.Context, key string) (value json.RawMessage, found bool, expired bool) {
	if s.metrics != nil {
		s.metrics.KVGetTotal.Inc()
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false, false
	}
	if e.expiresAt != nil && !e.expiresAt.After(now()) {
		delete(s.entries, key)
		s.index.Remove(key)
		s.mu.Unlock()
		s.afterDelete(ctx, key, true)
		return nil, false, true
	}
	s.mu.Unlock()
	return e.raw, true, false
}

// Delete removes key. Idempotent; returns whether anything was removed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		s.index.Remove(key)
	}
	s.mu.Unlock()
	if ok {
		s.afterDelete(ctx, key, false)
	}
	return ok
}

func (s *Store) afterDelete(ctx context.Context, key string, expired bool) {
	if s.metrics != nil {
		if expired {
			s.metrics.KVExpireTotal.Inc()
		}
		s.metrics.KVKeys.Set(float64(s.Size()))
	}
	if s.persist != nil {
		if err := s.persist.Delete(ctx, key); err != nil && s.logger != nil {
			s.logger.Warn("kvstore: persist delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// List returns every live key, the count, and the backing-store size
// (the LRU index's current element count, which equals the in-memory
// entry count since both are mutated together). Bounded at maxKeys by
// construction (spec.md §4.4).
func (s *Store) List() (keys []string, count int, backingSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys = make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, len(keys), s.index.Len()
}

// Size returns the current live entry count.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Expire updates key's expiresAt to now+seconds*1000 and schedules the
// alarm. seconds must be > 0. Returns whether the key existed.
func (s *Store) Expire(ctx context.Context, key string, seconds int) bool {
	deadline := now().Add(time.Duration(seconds) * time.Second)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.expiresAt = &deadline
	s.entries[key] = e
	s.mu.Unlock()

	s.scheduleExpiry(deadline)

	if s.persist != nil {
		if err := s.persist.Save(ctx, key, encodePayload(e.raw, &deadline)); err != nil && s.logger != nil {
			s.logger.Warn("kvstore: persist expire failed", zap.String("key", key), zap.Error(err))
		}
	}
	return true
}

// TTL returns -2 if key is absent, -1 if it has no expiry, or the
// remaining seconds (rounded up) otherwise. Applies the same lazy-expiry
// rule as Get.
func (s *Store) TTL(ctx context.Context, key string) int {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return -2
	}
	if e.expiresAt == nil {
		s.mu.Unlock()
		return -1
	}
	remaining := e.expiresAt.Sub(now())
	if remaining <= 0 {
		delete(s.entries, key)
		s.index.Remove(key)
		s.mu.Unlock()
		s.afterDelete(ctx, key, true)
		return -2
	}
	s.mu.Unlock()
	return int(math.Ceil(remaining.Seconds()))
}

// scheduleExpiry is the Alarm protocol's monotone-minimum setter: the
// wake-up is set to min(existing, deadline), never raised (spec.md §4.4,
// §5).
func (s *Store) scheduleExpiry(deadline time.Time) {
	s.mu.Lock()
	if s.alarm != nil && !deadline.Before(*s.alarm) {
		s.mu.Unlock()
		return
	}
	s.alarm = &deadline
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
	}
	delay := deadline.Sub(now())
	if delay < 0 {
		delay = 0
	}
	s.alarmTimer = time.AfterFunc(delay, s.sweep)
	s.mu.Unlock()

	if s.persist != nil {
		_ = s.persist.SaveAlarm(context.Background(), &deadline)
	}
}

// sweep fires when the alarm deadline arrives: delete every expired
// entry, then rearm the wake-up to the earliest remaining expiresAt
// (none => no alarm).
func (s *Store) sweep() {
	ctx := context.Background()
	t := now()

	s.mu.Lock()
	var expiredKeys []string
	var nextAlarm *time.Time
	for k, e := range s.entries {
		if e.expiresAt == nil {
			continue
		}
		if !e.expiresAt.After(t) {
			expiredKeys = append(expiredKeys, k)
			continue
		}
		if nextAlarm == nil || e.expiresAt.Before(*nextAlarm) {
			nextAlarm = e.expiresAt
		}
	}
	for _, k := range expiredKeys {
		delete(s.entries, k)
		s.index.Remove(k)
	}
	s.alarm = nextAlarm
	if nextAlarm != nil {
		delay := nextAlarm.Sub(t)
		if delay < 0 {
			delay = 0
		}
		s.alarmTimer = time.AfterFunc(delay, s.sweep)
	} else {
		s.alarmTimer = nil
	}
	s.mu.Unlock()

	for _, k := range expiredKeys {
		s.afterDelete(ctx, k, true)
	}
	if s.logger != nil && len(expiredKeys) > 0 {
		s.logger.Debug("kvstore: alarm swept expired entries", zap.Int("count", len(expiredKeys)))
	}
	if s.persist != nil {
		_ = s.persist.SaveAlarm(ctx, nextAlarm)
	}
}

// Stop cancels the alarm timer, for graceful shutdown.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
	}
}

func encodePayload(raw json.RawMessage, expiresAt *time.Time) string {
	p := payload{Value: raw}
	if expiresAt != nil {
		ms := expiresAt.UnixMilli()
		p.ExpiresAt = &ms
	}
	b, _ := json.Marshal(p)
	return string(b)
}
