package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tazhate/groupcal/internal/cache"
	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/service"
)

const (
	DefaultEvictSpec = "15 3 * * *"
	DefaultAlarmSpec = "* * * * *"

	// Alarms older than this are not fired after a restart or a stall.
	maxAlarmLag = 10 * time.Minute
)

// Options configures the cron specs and the zone they run in.
type Options struct {
	EvictSpec string
	AlarmSpec string
	Location  *time.Location
	Now       func() time.Time
}

type Scheduler struct {
	cron     *cron.Cron
	store    *cache.Store
	notifier service.Dispatcher
	log      zerolog.Logger
	opts     Options

	mu        sync.Mutex
	lastAlarm time.Time
	fired     map[string]time.Time
}

func New(store *cache.Store, notifier service.Dispatcher, log zerolog.Logger, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.EvictSpec == "" {
		opts.EvictSpec = DefaultEvictSpec
	}
	if opts.AlarmSpec == "" {
		opts.AlarmSpec = DefaultAlarmSpec
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		cron:      cron.New(cron.WithLocation(opts.Location)),
		store:     store,
		notifier:  notifier,
		log:       log.With().Str("component", "scheduler").Logger(),
		opts:      opts,
		lastAlarm: opts.Now(),
		fired:     make(map[string]time.Time),
	}
}

// Start registers the jobs and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.opts.EvictSpec, func() { s.Evict(ctx, s.opts.Now()) }); err != nil {
		return fmt.Errorf("add eviction job: %w", err)
	}
	if _, err := s.cron.AddFunc(s.opts.AlarmSpec, func() { s.CheckAlarms(ctx, s.opts.Now()) }); err != nil {
		return fmt.Errorf("add alarm job: %w", err)
	}

	s.cron.Start()
	s.log.Info().
		Str("tz", s.opts.Location.String()).
		Str("evict", s.opts.EvictSpec).
		Str("alarm", s.opts.AlarmSpec).
		Msg("scheduler started")

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// Evict drops cached months outside the retention window around now.
func (s *Scheduler) Evict(ctx context.Context, now time.Time) []domain.MonthKey {
	evicted := s.store.Evict(ctx, now)
	if len(evicted) > 0 {
		s.log.Info().Int("months", len(evicted)).Msg("eviction pass")
	}
	return evicted
}

// CheckAlarms dispatches an alarm for every cached event whose alarm
// instant lies in (last check, now]. Each alarm fires at most once.
func (s *Scheduler) CheckAlarms(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	from := s.lastAlarm
	if floor := now.Add(-maxAlarmLag); from.Before(floor) {
		from = floor
	}
	s.lastAlarm = now
	s.mu.Unlock()

	var due []domain.ScheduleEvent
	for _, events := range s.store.Snapshot() {
		for _, e := range events {
			if e.AlarmInstant == nil {
				continue
			}
			at := *e.AlarmInstant
			if at.After(from) && !at.After(now) && s.markFired(e.ID, at) {
				due = append(due, e)
			}
		}
	}

	for _, e := range due {
		s.log.Debug().Str("schedule", e.ID).Time("at", *e.AlarmInstant).Msg("alarm due")
		s.notifier.Dispatch(ctx, service.ActionAlarm, e, domain.Actor{})
	}
	s.prune(now)
	return len(due)
}

func (s *Scheduler) markFired(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id + "@" + at.UTC().Format(time.RFC3339)
	if _, ok := s.fired[key]; ok {
		return false
	}
	s.fired[key] = at
	return true
}

func (s *Scheduler) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.fired {
		if now.Sub(at) > 2*maxAlarmLag {
			delete(s.fired, k)
		}
	}
}
