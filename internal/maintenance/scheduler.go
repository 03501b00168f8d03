package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"auth-serverless/internal/observability"
)

const cleanupTimeout = 2 * time.Minute

// Scheduler runs the Cleaner periodically inside the long-running server. Serverless
// deployments call the cleanup endpoint from an external cron instead.
type Scheduler struct {
	cron     *cron.Cron
	cleaner  *Cleaner
	logger   *observability.Logger
	schedule string
}

func NewScheduler(cleaner *Cleaner, logger *observability.Logger, schedule string) *Scheduler {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
	))

	return &Scheduler{
		cron:     c,
		cleaner:  cleaner,
		logger:   logger,
		schedule: strings.TrimSpace(schedule),
	}
}

// Start registers the cleanup job and starts the scheduler. An empty schedule disables it.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("auth_cleanup_schedule_disabled", nil)
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runCleanup); err != nil {
		return fmt.Errorf("schedule auth cleanup %q: %w", s.schedule, err)
	}
	s.logger.Info("auth_cleanup_scheduled", map[string]any{"schedule": s.schedule})

	s.cron.Start()
	return nil
}

// Stop waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("auth_cleanup_stop_timeout", nil)
	}
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	_, _ = s.cleaner.Run(ctx)
}
