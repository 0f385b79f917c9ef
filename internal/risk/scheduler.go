package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule re-analyzes recently active sessions every 15 minutes.
const DefaultSweepSchedule = "*/15 * * * *"

// SessionLister lists sessions with activity since a point in time.
type SessionLister interface {
	SessionsUpdatedSince(ctx context.Context, since time.Time) ([]string, error)
}

// Enqueuer accepts sessions for background analysis.
type Enqueuer interface {
	Dispatch(sessionID string) error
}

// Scheduler periodically re-dispatches analysis for sessions active within
// the lookback window, so that failed background analyses are retried.
type Scheduler struct {
	cron     *cron.Cron
	sessions SessionLister
	enqueuer Enqueuer
	lookback time.Duration
	now      func() time.Time
}

// NewScheduler creates a sweep scheduler. Cron expressions use the
// standard 5-field format (e.g. "*/15 * * * *").
func NewScheduler(sessions SessionLister, enqueuer Enqueuer, lookback time.Duration) *Scheduler {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Scheduler{
		cron:     cron.New(),
		sessions: sessions,
		enqueuer: enqueuer,
		lookback: lookback,
		now:      time.Now,
	}
}

// Register adds the sweep at the given cron schedule.
func (s *Scheduler) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		n, err := s.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Msg("risk_sweep_failed")
			return
		}
		log.Info().Int("sessions", n).Msg("risk_sweep_fired")
	})
	if err != nil {
		return fmt.Errorf("registering risk sweep %q: %w", spec, err)
	}
	return nil
}

// Sweep dispatches every recently active session and returns how many
// were accepted.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ids, err := s.sessions.SessionsUpdatedSince(ctx, s.now().Add(-s.lookback))
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}
	accepted := 0
	for _, id := range ids {
		err := s.enqueuer.Dispatch(id)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrDispatcherClosed):
			return accepted, err
		default:
			log.Warn().Err(err).Str("session_id", id).Msg("risk_sweep_dispatch_failed")
		}
	}
	return accepted, nil
}

// Start begins executing registered sweeps.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
