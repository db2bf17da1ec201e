// Package schedule provides a periodic scheduler that fires due cron
// schedules by submitting their goals to the orchestrator.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskbrew/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// GoalSubmitter accepts a goal at the system boundary. Implemented by the
// orchestrator.
type GoalSubmitter interface {
	SubmitGoal(ctx context.Context, title, description string) (groupID, rootTaskID string, err error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store     *persistence.Store
	Submitter GoalSubmitter
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and submits a
// goal for each one.
type Scheduler struct {
	store     *persistence.Store
	submitter GoalSubmitter
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule loop started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule loop stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, sched := range schedules {
		due, err := Due(sched, now)
		if err != nil {
			s.logger.Warn("disabling schedule with bad cron expression",
				"schedule_id", sched.ID, "cron", sched.CronExpr, "error", err)
			_ = s.store.DisableSchedule(ctx, sched.ID)
			continue
		}
		if !due {
			continue
		}
		groupID, rootID, err := s.submitter.SubmitGoal(ctx, sched.GoalTitle, sched.GoalDescription)
		if err != nil {
			s.logger.Error("scheduled goal submission failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		if err := s.store.MarkScheduleRun(ctx, sched.ID, now); err != nil {
			s.logger.Warn("mark schedule run failed", "schedule_id", sched.ID, "error", err)
		}
		s.logger.Info("scheduled goal submitted",
			"schedule_id", sched.ID, "group_id", groupID, "root_task_id", rootID)
	}
}

// Due reports whether a schedule should fire at now: its cron expression
// has a firing time after the last run (or creation) and at or before now.
func Due(sched persistence.Schedule, now time.Time) (bool, error) {
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return false, err
	}
	last := sched.CreatedAt
	if sched.LastRunAt != nil {
		last = *sched.LastRunAt
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now), nil
}
