package agent

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// DefaultSchedule checks for a new build every five minutes
const DefaultSchedule = "@every 5m"

// Scheduler runs the periodic background freshness check.
// A check still running when the next tick fires skips that tick.
type Scheduler struct {
	registration *Registration
	cron         *cron.Cron
	timeout      time.Duration
	logger       arbor.ILogger
}

// NewScheduler creates a new update check scheduler
func NewScheduler(registration *Registration, timeout time.Duration, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		registration: registration,
		cron:         cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout:      timeout,
		logger:       logger,
	}
}

// Start begins the scheduled checks
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.runCheck()
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Msg("Update check scheduler started")

	return nil
}

// Stop stops the scheduler and waits for a running check
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Update check scheduler stopped")
}

func (s *Scheduler) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.registration.Update(ctx); err != nil {
		// Already logged by the registration
		return
	}

	status := s.registration.Status()
	s.logger.Debug().
		Str("active", status.ActiveVersion).
		Str("waiting", status.WaitingVersion).
		Dur("duration", time.Since(start)).
		Msg("Update check completed")
}
