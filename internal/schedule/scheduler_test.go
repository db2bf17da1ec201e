package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskbrew/internal/persistence"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	goals []string
}

func (f *fakeSubmitter) SubmitGoal(ctx context.Context, title, description string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals = append(f.goals, title)
	return "grp-x", "PM-1", nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.goals)
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "sched.db"), persistence.DefaultGuardrails())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 30, 0, 0, time.UTC)

	sched := persistence.Schedule{
		CronExpr:  "0 * * * *", // top of every hour
		CreatedAt: now.Add(-2 * time.Hour),
	}
	due, err := Due(sched, now)
	if err != nil || !due {
		t.Fatalf("due = %v, %v", due, err)
	}

	ran := now.Add(-10 * time.Minute) // 12:20, after the 12:00 firing
	sched.LastRunAt = &ran
	due, err = Due(sched, now)
	if err != nil || due {
		t.Fatalf("already-run schedule due = %v, %v", due, err)
	}
}

func TestDue_BadExpression(t *testing.T) {
	if _, err := Due(persistence.Schedule{CronExpr: "not a cron"}, time.Now()); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sched, err := store.CreateSchedule(ctx, "nightly", "* * * * *", "nightly build", "run the nightly")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	// Backdate creation so the every-minute expression is already due.
	if _, err := store.DB().Exec(`UPDATE schedules SET created_at = ? WHERE id = ?;`,
		time.Now().UTC().Add(-2*time.Minute), sched.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	submitter := &fakeSubmitter{}
	s := NewScheduler(Config{Store: store, Submitter: submitter, Interval: 20 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(runCtx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for submitter.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The run is stamped: the same minute does not fire twice.
	time.Sleep(100 * time.Millisecond)
	if n := submitter.count(); n != 1 {
		t.Fatalf("fired %d times in one minute", n)
	}
}

func TestScheduler_DisablesBrokenExpression(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateSchedule(ctx, "bad", "nope", "x", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	submitter := &fakeSubmitter{}
	s := NewScheduler(Config{Store: store, Submitter: submitter, Interval: 20 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(runCtx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		schedules, err := store.ListSchedules(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(schedules) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broken schedule never disabled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if submitter.count() != 0 {
		t.Fatal("broken schedule submitted a goal")
	}
}
