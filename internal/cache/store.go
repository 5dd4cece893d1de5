// Package cache holds schedule events partitioned by calendar month in two
// tiers: process memory and a durable key/value store. The cache is best
// effort and never a source of truth.
package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/tazhate/groupcal/internal/domain"
)

const (
	// KeyPrefix prefixes every durable month entry: schedule_cache_<YYYY-MM>.
	KeyPrefix = "schedule_cache_"
	// IndexKey lists the months present in the durable tier.
	IndexKey = KeyPrefix + "index"
	// VersionKey records the app version that wrote the durable tier.
	VersionKey = KeyPrefix + "version"

	DefaultRetentionMonths = 6
)

// KV is the durable key/value tier. Write returns an error wrapping
// domain.ErrStorageQuota when the store is full.
type KV interface {
	Read(ctx context.Context, key string) (string, bool, error)
	Write(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Op is an optimistic patch operation.
type Op int

const (
	OpAdd Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Options configures a Store.
type Options struct {
	// RetentionMonths is the window around the current month kept by
	// eviction passes. Zero means DefaultRetentionMonths.
	RetentionMonths int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the MonthlyCacheStore.
type Store struct {
	kv        KV
	log       zerolog.Logger
	state     *CacheState
	retention int
	now       func() time.Time

	mu  sync.Mutex
	mem map[domain.MonthKey][]domain.ScheduleEvent
}

// New creates a store over kv. A nil kv runs the cache memory-only.
func New(kv KV, log zerolog.Logger, opts Options) *Store {
	if opts.RetentionMonths <= 0 {
		opts.RetentionMonths = DefaultRetentionMonths
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		kv:        kv,
		log:       log.With().Str("component", "cache").Logger(),
		state:     newCacheState(),
		retention: opts.RetentionMonths,
		now:       opts.Now,
		mem:       make(map[domain.MonthKey][]domain.ScheduleEvent),
	}
}

// State returns the load-state object owned by the store.
func (s *Store) State() *CacheState {
	return s.state
}

func durableKey(key domain.MonthKey) string {
	return KeyPrefix + string(key)
}

func monthFromKey(k string) (domain.MonthKey, bool) {
	if !strings.HasPrefix(k, KeyPrefix) {
		return "", false
	}
	mk, err := domain.ParseMonthKey(strings.TrimPrefix(k, KeyPrefix))
	if err != nil {
		return "", false
	}
	return mk, true
}

// Get returns the events of key, checking memory first and then the durable
// tier. A durable hit populates memory. ok is false on a miss.
func (s *Store) Get(ctx context.Context, key domain.MonthKey) ([]domain.ScheduleEvent, bool) {
	s.mu.Lock()
	events, ok := s.mem[key]
	s.mu.Unlock()
	if ok {
		return cloneEvents(events), true
	}
	if s.kv == nil {
		return nil, false
	}

	value, found, err := s.kv.Read(ctx, durableKey(key))
	if err != nil {
		s.log.Warn().Err(err).Str("month", string(key)).Msg("durable read failed")
		return nil, false
	}
	if !found {
		return nil, false
	}
	events, err = decodeEntry(key, value)
	if err != nil {
		s.log.Warn().Err(err).Str("month", string(key)).Msg("dropping unreadable cache entry")
		_ = s.kv.Remove(ctx, durableKey(key))
		return nil, false
	}

	s.mu.Lock()
	s.mem[key] = events
	s.mu.Unlock()
	s.state.markLoaded(key)
	return cloneEvents(events), true
}

// Put stores events for key in both tiers, marks the key Loaded and
// returns the stored month in display order.
func (s *Store) Put(ctx context.Context, key domain.MonthKey, events []domain.ScheduleEvent) []domain.ScheduleEvent {
	events = cloneEvents(events)
	sortEvents(events)
	s.mu.Lock()
	s.mem[key] = events
	s.mu.Unlock()
	s.state.markLoaded(key)
	s.persist(ctx, key, events)
	return cloneEvents(events)
}

// persist writes one month to the durable tier. A quota error triggers an
// eviction pass and a single retry; if that fails too the write is dropped.
func (s *Store) persist(ctx context.Context, key domain.MonthKey, events []domain.ScheduleEvent) {
	if s.kv == nil {
		return
	}
	value, err := encodeEntry(key, events, s.now())
	if err != nil {
		s.log.Error().Err(err).Str("month", string(key)).Msg("encode cache entry")
		return
	}

	err = s.kv.Write(ctx, durableKey(key), value)
	if errors.Is(err, domain.ErrStorageQuota) {
		evicted := s.evictDurable(ctx, domain.MonthKeyOf(s.now()), key)
		s.log.Info().
			Str("month", string(key)).
			Int("evicted", len(evicted)).
			Str("size", humanize.Bytes(uint64(len(value)))).
			Msg("durable cache full, evicted distant months")
		err = s.kv.Write(ctx, durableKey(key), value)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("month", string(key)).Msg("durable cache write dropped")
		return
	}
	s.writeIndex(ctx)
}

// Patch applies an optimistic mutation to a Loaded month in both tiers.
// It reports false and does nothing when the month is not Loaded.
func (s *Store) Patch(ctx context.Context, key domain.MonthKey, e domain.ScheduleEvent, op Op) bool {
	if s.state.Status(key) != Loaded {
		return false
	}

	s.mu.Lock()
	events := cloneEvents(s.mem[key])
	idx := indexOf(events, e.ID)
	switch op {
	case OpAdd, OpUpdate:
		if idx >= 0 {
			events[idx] = e
		} else {
			events = append(events, e)
		}
	case OpDelete:
		if idx >= 0 {
			events = append(events[:idx], events[idx+1:]...)
		}
	}
	sortEvents(events)
	s.mem[key] = events
	s.mu.Unlock()

	s.persist(ctx, key, events)
	return true
}

// MergePreservingDay stores incoming for key while keeping the events
// already held for preserveDate, unless incoming has events on that day too.
// It returns the merged month.
func (s *Store) MergePreservingDay(ctx context.Context, key domain.MonthKey, incoming []domain.ScheduleEvent, preserveDate time.Time) []domain.ScheduleEvent {
	merged := cloneEvents(incoming)
	if merged == nil {
		merged = []domain.ScheduleEvent{}
	}

	incomingHasDay := false
	for i := range incoming {
		if incoming[i].SameDay(preserveDate) {
			incomingHasDay = true
			break
		}
	}

	if !incomingHasDay {
		s.mu.Lock()
		local := s.mem[key]
		for i := range local {
			if local[i].SameDay(preserveDate) && indexOf(merged, local[i].ID) < 0 {
				merged = append(merged, local[i])
			}
		}
		s.mu.Unlock()
	}

	return s.Put(ctx, key, merged)
}

// Invalidate removes key from both tiers so the next load refetches it.
func (s *Store) Invalidate(ctx context.Context, key domain.MonthKey) {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()
	s.state.markUnloaded(key)

	if s.kv == nil {
		return
	}
	if err := s.kv.Remove(ctx, durableKey(key)); err != nil {
		s.log.Warn().Err(err).Str("month", string(key)).Msg("durable cache remove failed")
	}
	s.writeIndex(ctx)
}

// ClearAll wipes both tiers.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	s.mem = make(map[domain.MonthKey][]domain.ScheduleEvent)
	s.mu.Unlock()
	s.state.reset()

	if s.kv == nil {
		return
	}
	keys, err := s.kv.ListKeys(ctx, KeyPrefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("list durable cache keys")
		return
	}
	for _, k := range keys {
		if k == VersionKey {
			continue
		}
		if err := s.kv.Remove(ctx, k); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("durable cache remove failed")
		}
	}
}

// EnsureVersion clears the cache when the durable tier was written by a
// different app version. It reports whether the cache was cleared.
func (s *Store) EnsureVersion(ctx context.Context, version string) bool {
	if s.kv == nil || version == "" {
		return false
	}
	stored, found, err := s.kv.Read(ctx, VersionKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("read cache version")
	}
	if found && stored == version {
		return false
	}
	s.ClearAll(ctx)
	if err := s.kv.Write(ctx, VersionKey, version); err != nil {
		s.log.Warn().Err(err).Msg("write cache version")
	}
	s.log.Info().Str("from", stored).Str("to", version).Msg("cache cleared after version change")
	return found
}

// Evict removes months farther than the retention window from the month of
// now in both tiers and returns the evicted keys.
func (s *Store) Evict(ctx context.Context, now time.Time) []domain.MonthKey {
	current := domain.MonthKeyOf(now)

	s.mu.Lock()
	var evicted []domain.MonthKey
	for k := range s.mem {
		if abs(domain.MonthsBetween(current, k)) > s.retention {
			delete(s.mem, k)
			evicted = append(evicted, k)
		}
	}
	s.mu.Unlock()
	for _, k := range evicted {
		s.state.markUnloaded(k)
	}

	for _, k := range s.evictDurable(ctx, current, "") {
		if !containsKey(evicted, k) {
			evicted = append(evicted, k)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// evictDurable removes durable months outside the retention window,
// farthest from current first. keep is never removed.
func (s *Store) evictDurable(ctx context.Context, current, keep domain.MonthKey) []domain.MonthKey {
	if s.kv == nil {
		return nil
	}
	keys, err := s.kv.ListKeys(ctx, KeyPrefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("list durable cache keys")
		return nil
	}

	var victims []domain.MonthKey
	for _, k := range keys {
		mk, ok := monthFromKey(k)
		if !ok || mk == keep {
			continue
		}
		if abs(domain.MonthsBetween(current, mk)) > s.retention {
			victims = append(victims, mk)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return abs(domain.MonthsBetween(current, victims[i])) > abs(domain.MonthsBetween(current, victims[j]))
	})

	var removed []domain.MonthKey
	for _, mk := range victims {
		if err := s.kv.Remove(ctx, durableKey(mk)); err != nil {
			s.log.Warn().Err(err).Str("month", string(mk)).Msg("evict durable month")
			continue
		}
		removed = append(removed, mk)
	}
	if len(removed) > 0 {
		s.writeIndex(ctx)
	}
	return removed
}

// writeIndex records the months present in the durable tier.
func (s *Store) writeIndex(ctx context.Context) {
	keys, err := s.kv.ListKeys(ctx, KeyPrefix)
	if err != nil {
		return
	}
	var months []string
	for _, k := range keys {
		if mk, ok := monthFromKey(k); ok {
			months = append(months, string(mk))
		}
	}
	sort.Strings(months)
	if err := s.kv.Write(ctx, IndexKey, strings.Join(months, ",")); err != nil {
		s.log.Debug().Err(err).Msg("cache index write skipped")
	}
}

// DurableMonths reads the month index of the durable tier.
func (s *Store) DurableMonths(ctx context.Context) []domain.MonthKey {
	if s.kv == nil {
		return nil
	}
	value, found, err := s.kv.Read(ctx, IndexKey)
	if err != nil || !found || value == "" {
		return nil
	}
	var out []domain.MonthKey
	for _, p := range strings.Split(value, ",") {
		if mk, err := domain.ParseMonthKey(p); err == nil {
			out = append(out, mk)
		}
	}
	return out
}

// CachedMonths returns every month held in either tier, ascending. Months
// present only in the durable tier are included.
func (s *Store) CachedMonths(ctx context.Context) []domain.MonthKey {
	out := s.state.LoadedMonths()
	for _, k := range s.DurableMonths(ctx) {
		if !containsKey(out, k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Find looks up an event by id across the months held in memory.
func (s *Store) Find(id string) (domain.ScheduleEvent, domain.MonthKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, events := range s.mem {
		if i := indexOf(events, id); i >= 0 {
			return events[i], k, true
		}
	}
	return domain.ScheduleEvent{}, "", false
}

// Snapshot returns the events of every month held in memory.
func (s *Store) Snapshot() map[domain.MonthKey][]domain.ScheduleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.MonthKey][]domain.ScheduleEvent, len(s.mem))
	for k, v := range s.mem {
		out[k] = cloneEvents(v)
	}
	return out
}

func indexOf(events []domain.ScheduleEvent, id string) int {
	for i := range events {
		if events[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneEvents(events []domain.ScheduleEvent) []domain.ScheduleEvent {
	if events == nil {
		return nil
	}
	out := make([]domain.ScheduleEvent, len(events))
	copy(out, events)
	return out
}

// sortEvents orders events by day, all-day first, then start time.
func sortEvents(events []domain.ScheduleEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.IsAllDay != b.IsAllDay {
			return a.IsAllDay
		}
		return a.StartTime < b.StartTime
	})
}

func containsKey(keys []domain.MonthKey, k domain.MonthKey) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
