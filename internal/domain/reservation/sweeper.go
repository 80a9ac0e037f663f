package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/slotreserve/internal/platform/clock"
	"github.com/ehr/slotreserve/internal/platform/lock"
)

const (
	DefaultSweepSchedule      = "@every 5s"
	DefaultExpiringSoonWindow = 2 * time.Minute
	DefaultArchiveRetention   = 30 * 24 * time.Hour

	sweeperLeaderKey = "sweeper:leader"
)

// SweepResult summarises one sweep.
type SweepResult struct {
	Freed    int
	Expiring int
	Purged   int
}

// Sweeper reclaims lapsed holds on a cron schedule and announces freed slots
// and holds about to expire. Callers never wait on it.
type Sweeper struct {
	ledger     *Ledger
	events     Emitter
	clock      clock.Clock
	leader     lock.Locker
	schedule   string
	soonWindow time.Duration
	retention  time.Duration
	loc        *time.Location
	log        zerolog.Logger

	mu     sync.Mutex
	warned map[uuid.UUID]time.Time
	cron   *cron.Cron
}

type SweeperOption func(*Sweeper)

// WithLeaderLock makes RunOnce skip when another instance holds the sweeper
// lock.
func WithLeaderLock(l lock.Locker) SweeperOption {
	return func(s *Sweeper) { s.leader = l }
}

func WithSchedule(schedule string) SweeperOption {
	return func(s *Sweeper) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

// WithExpiringSoonWindow sets how long before expiry a warning is sent. Zero
// disables warnings.
func WithExpiringSoonWindow(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.soonWindow = d }
}

// WithArchiveRetention sets how long terminal records are kept. Zero disables
// purging.
func WithArchiveRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retention = d }
}

// WithClinicLocation sets the timezone slot dates are expressed in.
func WithClinicLocation(loc *time.Location) SweeperOption {
	return func(s *Sweeper) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithSweeperEmitter(e Emitter) SweeperOption {
	return func(s *Sweeper) {
		if e != nil {
			s.events = e
		}
	}
}

func WithSweeperLogger(logger zerolog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = logger }
}

func NewSweeper(ledger *Ledger, clk clock.Clock, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		ledger:     ledger,
		events:     nopEmitter{},
		clock:      clk,
		schedule:   DefaultSweepSchedule,
		soonWindow: DefaultExpiringSoonWindow,
		retention:  DefaultArchiveRetention,
		loc:        time.UTC,
		log:        zerolog.Nop(),
		warned:     make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs a single sweep at the current time.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.leader != nil {
		release, err := s.leader.Acquire(ctx, sweeperLeaderKey, 0)
		if errors.Is(err, lock.ErrTimeout) {
			s.log.Debug().Msg("sweeper leader lock held elsewhere, skipping")
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("acquire sweeper leader lock: %w", err)
		}
		defer release()
	}

	now := s.clock.Now()
	var errs []error

	freed, err := s.ledger.SweepExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, r := range freed {
		s.events.Emit(newEvent(EventSlotFreed, r, now))
	}
	res.Freed = len(freed)

	if s.soonWindow > 0 {
		n, err := s.warnExpiring(ctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		res.Expiring = n
	}

	if s.retention > 0 {
		before := now.Add(-s.retention)
		n, err := s.ledger.PurgeArchive(ctx, before, s.confirmedCutoff(now, before))
		if err != nil {
			errs = append(errs, err)
		}
		res.Purged = n
	}

	if res.Freed > 0 || res.Purged > 0 {
		s.log.Info().Int("freed", res.Freed).Int("expiring", res.Expiring).Int("purged", res.Purged).Msg("sweep completed")
	}
	err = errors.Join(errs...)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
	return res, err
}

// confirmedCutoff is the first clinic-local slot date whose confirmed
// records are kept. It never moves past yesterday, so a confirmed slot that
// can still be reserved stays in the live index.
func (s *Sweeper) confirmedCutoff(now, before time.Time) string {
	cut := before.In(s.loc)
	if yesterday := now.In(s.loc).AddDate(0, 0, -1); yesterday.Before(cut) {
		cut = yesterday
	}
	return cut.Format(DateLayout)
}

// warnExpiring emits one expiring event per hold and expiry instant, so an
// extended hold is warned again before its new expiry.
func (s *Sweeper) warnExpiring(ctx context.Context, now time.Time) (int, error) {
	soon, err := s.ledger.ExpiringBy(ctx, now.Add(s.soonWindow))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[uuid.UUID]struct{}, len(soon))
	sent := 0
	for _, r := range soon {
		current[r.ID] = struct{}{}
		if r.ExpiredAt(now) {
			continue
		}
		if at, ok := s.warned[r.ID]; ok && at.Equal(*r.ExpiresAt) {
			continue
		}
		s.warned[r.ID] = *r.ExpiresAt
		s.events.Emit(newEvent(EventReservationExpiring, r, now))
		sent++
	}
	for id := range s.warned {
		if _, ok := current[id]; !ok {
			delete(s.warned, id)
		}
	}
	return sent, nil
}

// Start schedules RunOnce until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})))
	_, err := c.AddFunc(s.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.log.Info().Str("schedule", s.schedule).Msg("expiry sweeper started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info().Msg("expiry sweeper stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
