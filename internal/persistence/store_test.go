package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), DefaultGuardrails())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustGroup(t *testing.T, store *Store) *Group {
	t.Helper()
	g, err := store.CreateGroup(context.Background(), "goal", "desc")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func coderSpec(groupID, title string) TaskSpec {
	return TaskSpec{
		GroupID:    groupID,
		Title:      title,
		TaskType:   "implementation",
		AssignedTo: "coder",
		Prefix:     "CD",
		Priority:   PriorityMedium,
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "re.db")
	store, err := Open(path, DefaultGuardrails())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store, err = Open(path, DefaultGuardrails())
	if err != nil {
		t.Fatalf("reopen with matching checksum: %v", err)
	}
	_ = store.Close()
}

func TestCreateTask_SequentialIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	t1, err := store.CreateTask(ctx, coderSpec(g.ID, "one"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t2, err := store.CreateTask(ctx, coderSpec(g.ID, "two"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if t1.ID != "CD-1" || t2.ID != "CD-2" {
		t.Fatalf("ids = %s, %s", t1.ID, t2.ID)
	}
	if t1.Status != StatusPending {
		t.Fatalf("status = %s, want pending", t1.Status)
	}
}

func TestCreateTasks_SiblingDependenciesBlock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	a := coderSpec(g.ID, "a")
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	tasks, err := store.CreateTasks(ctx, []TaskSpec{a, b})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if tasks[0].Status != StatusPending {
		t.Fatalf("a status = %s", tasks[0].Status)
	}
	if tasks[1].Status != StatusBlocked {
		t.Fatalf("b status = %s", tasks[1].Status)
	}
	if len(tasks[1].BlockedBy) != 1 || tasks[1].BlockedBy[0] != tasks[0].ID {
		t.Fatalf("b deps = %v", tasks[1].BlockedBy)
	}
}

func TestCreateTasks_CycleRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	a := coderSpec(g.ID, "a")
	a.BlockedBy = []string{SiblingRef(1)}
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	_, err := store.CreateTasks(ctx, []TaskSpec{a, b})
	if !IsIntegrity(err) {
		t.Fatalf("want IntegrityError, got %v", err)
	}
	// Atomicity: nothing was committed.
	tasks, listErr := store.ListTasks(ctx, TaskFilter{GroupID: g.ID})
	if listErr != nil || len(tasks) != 0 {
		t.Fatalf("tasks after failed batch = %v (%v)", tasks, listErr)
	}
}

func TestCreateTask_DepthGuardrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	parent := ""
	var task *Task
	var err error
	for i := 0; i <= store.Guardrails().MaxTaskDepth; i++ {
		spec := coderSpec(g.ID, "chain")
		spec.ParentID = parent
		task, err = store.CreateTask(ctx, spec)
		if err != nil {
			t.Fatalf("create at depth %d: %v", i, err)
		}
		parent = task.ID
	}
	if task.Depth != store.Guardrails().MaxTaskDepth {
		t.Fatalf("deepest depth = %d", task.Depth)
	}
	spec := coderSpec(g.ID, "too deep")
	spec.ParentID = parent
	if _, err := store.CreateTask(ctx, spec); !IsIntegrity(err) {
		t.Fatalf("want IntegrityError, got %v", err)
	}
}

func TestCreateTask_GroupCapGuardrail(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cap.db"), Guardrails{MaxTasksPerGroup: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	g := mustGroup(t, store)

	for i := 0; i < 3; i++ {
		if _, err := store.CreateTask(ctx, coderSpec(g.ID, "t")); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := store.CreateTask(ctx, coderSpec(g.ID, "over")); !IsIntegrity(err) {
		t.Fatalf("want IntegrityError, got %v", err)
	}

	// Terminal tasks free capacity.
	tasks, _ := store.ListTasks(ctx, TaskFilter{GroupID: g.ID})
	if err := store.TryClaim(ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RecordCompletion(ctx, tasks[0].ID, "w1", "{}"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.CreateTask(ctx, coderSpec(g.ID, "fits now")); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestCreateTask_CrossGroupDependencyRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g1 := mustGroup(t, store)
	g2 := mustGroup(t, store)

	other, err := store.CreateTask(ctx, coderSpec(g2.ID, "other"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	spec := coderSpec(g1.ID, "crossing")
	spec.BlockedBy = []string{other.ID}
	if _, err := store.CreateTask(ctx, spec); !IsIntegrity(err) {
		t.Fatalf("want IntegrityError, got %v", err)
	}
}

func TestTryClaim_Conflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))

	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := store.TryClaim(ctx, task.ID, "w2")
	if !IsConflict(err) {
		t.Fatalf("second claim: want ConflictError, got %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != StatusInProgress || got.ClaimedBy != "w1" {
		t.Fatalf("task = %+v", got)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not set on claim")
	}
}

func TestClaimNext_PriorityThenAge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	low := coderSpec(g.ID, "low")
	low.Priority = PriorityLow
	first, _ := store.CreateTask(ctx, low)
	med1, _ := store.CreateTask(ctx, coderSpec(g.ID, "med old"))
	med2, _ := store.CreateTask(ctx, coderSpec(g.ID, "med new"))
	crit := coderSpec(g.ID, "crit")
	crit.Priority = PriorityCritical
	last, _ := store.CreateTask(ctx, crit)

	want := []string{last.ID, med1.ID, med2.ID, first.ID}
	for i, expect := range want {
		task, err := store.ClaimNext(ctx, "coder", "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if task == nil || task.ID != expect {
			t.Fatalf("claim %d = %v, want %s", i, task, expect)
		}
		if _, err := store.RecordCompletion(ctx, task.ID, "w1", "{}"); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if task, _ := store.ClaimNext(ctx, "coder", "w1"); task != nil {
		t.Fatalf("claimed from empty queue: %v", task)
	}
}

func TestClaimNext_ConcurrentRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	const workers = 10
	const tasks = 4
	for i := 0; i < tasks; i++ {
		if _, err := store.CreateTask(ctx, coderSpec(g.ID, "race")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			task, err := store.ClaimNext(ctx, "coder", NewInstanceName(w))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if task != nil {
				winners <- task.ID
			}
		}(w)
	}
	wg.Wait()
	close(winners)

	claimed := map[string]bool{}
	for id := range winners {
		if claimed[id] {
			t.Fatalf("task %s claimed twice", id)
		}
		claimed[id] = true
	}
	if len(claimed) != tasks {
		t.Fatalf("claimed %d tasks, want %d", len(claimed), tasks)
	}
}

func TestRecordCompletion_UnblocksDependents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	a := coderSpec(g.ID, "a")
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	c := coderSpec(g.ID, "c")
	c.BlockedBy = []string{SiblingRef(0), SiblingRef(1)}
	tasks, err := store.CreateTasks(ctx, []TaskSpec{a, b, c})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.TryClaim(ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	unblocked, err := store.RecordCompletion(ctx, tasks[0].ID, "w1", `{"ok":true}`)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0] != tasks[1].ID {
		t.Fatalf("unblocked = %v", unblocked)
	}

	bTask, _ := store.GetTask(ctx, tasks[1].ID)
	if bTask.Status != StatusPending {
		t.Fatalf("b = %s, want pending", bTask.Status)
	}
	cTask, _ := store.GetTask(ctx, tasks[2].ID)
	if cTask.Status != StatusBlocked || len(cTask.BlockedBy) != 1 {
		t.Fatalf("c = %s deps %v", cTask.Status, cTask.BlockedBy)
	}

	aTask, _ := store.GetTask(ctx, tasks[0].ID)
	if aTask.ResultPayload != `{"ok":true}` || aTask.ClaimedBy != "" || aTask.CompletedAt == nil {
		t.Fatalf("a = %+v", aTask)
	}
}

func TestRecordCompletion_RejectsWrongClaimer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))
	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RecordCompletion(ctx, task.ID, "w2", "{}"); !IsConflict(err) {
		t.Fatalf("want ConflictError, got %v", err)
	}
}

func TestHandleFailure_TransientThenTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "flaky"))

	// Two transient failures requeue.
	for i := 1; i <= 2; i++ {
		if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		d, err := store.HandleFailure(ctx, task.ID, "w1", "timeout", true)
		if err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		if d.Outcome != FailureRequeued || d.Attempt != i {
			t.Fatalf("decision %d = %+v", i, d)
		}
	}
	// Third transient failure exhausts the budget.
	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	d, err := store.HandleFailure(ctx, task.ID, "w1", "timeout", true)
	if err != nil {
		t.Fatalf("fail 3: %v", err)
	}
	if d.Outcome != FailureTerminal {
		t.Fatalf("decision 3 = %+v", d)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestHandleFailure_PermanentCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	// CD-1 <- CD-2 <- CD-3 chain.
	a := coderSpec(g.ID, "a")
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	c := coderSpec(g.ID, "c")
	c.BlockedBy = []string{SiblingRef(1)}
	tasks, _ := store.CreateTasks(ctx, []TaskSpec{a, b, c})

	if err := store.TryClaim(ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	d, err := store.HandleFailure(ctx, tasks[0].ID, "w1", "boom", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if d.Outcome != FailureTerminal {
		t.Fatalf("decision = %+v", d)
	}
	if len(d.CascadeFailed) != 2 || d.CascadeFailed[0] != tasks[1].ID || d.CascadeFailed[1] != tasks[2].ID {
		t.Fatalf("cascade order = %v", d.CascadeFailed)
	}
	for _, id := range []string{tasks[1].ID, tasks[2].ID} {
		got, _ := store.GetTask(ctx, id)
		if got.Status != StatusFailed || got.Error != "upstream failure" {
			t.Fatalf("%s = %s (%q)", id, got.Status, got.Error)
		}
	}
}

func TestRejectTask_CreatesChildAndExhausts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "work"))

	if err := store.TryClaim(ctx, task.ID, "rev-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	childSpec := coderSpec(g.ID, "redo work")
	childSpec.ParentID = task.ID
	child, terminal, err := store.RejectTask(ctx, task.ID, "rev-1", "missing tests", &childSpec, "")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if terminal || child == nil {
		t.Fatalf("terminal=%v child=%v", terminal, child)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != StatusRejected || got.RejectionCount != 1 || got.RejectionReason != "missing tests" {
		t.Fatalf("rejected task = %+v", got)
	}
	if child.ParentID != task.ID || child.Depth != 1 {
		t.Fatalf("child = %+v", child)
	}
}

func TestRejectTask_ChildFailReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "work"))
	if err := store.TryClaim(ctx, task.ID, "rev-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	childSpec := coderSpec(g.ID, "dead end")
	childSpec.ParentID = task.ID
	child, _, err := store.RejectTask(ctx, task.ID, "rev-1", "no", &childSpec, "rejection cycle limit exceeded")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := store.GetTask(ctx, child.ID)
	if got.Status != StatusFailed || got.Error != "rejection cycle limit exceeded" {
		t.Fatalf("child = %+v", got)
	}
}

func TestCancelTask_CascadesAndPreservesRejectionCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	a := coderSpec(g.ID, "a")
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	tasks, _ := store.CreateTasks(ctx, []TaskSpec{a, b})

	// Give b a rejection count to verify preservation.
	if _, err := store.DB().Exec(`UPDATE tasks SET rejection_count = 2 WHERE id = ?;`, tasks[1].ID); err != nil {
		t.Fatalf("seed rejection count: %v", err)
	}

	cancelled, cascaded, err := store.CancelTask(ctx, tasks[0].ID, "operator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled || len(cascaded) != 1 || cascaded[0] != tasks[1].ID {
		t.Fatalf("cancelled=%v cascaded=%v", cancelled, cascaded)
	}
	got, _ := store.GetTask(ctx, tasks[1].ID)
	if got.Status != StatusCancelled || got.Error != "upstream cancelled" || got.RejectionCount != 2 {
		t.Fatalf("b = %+v", got)
	}

	// Terminal tasks cannot be cancelled again.
	cancelled, _, err = store.CancelTask(ctx, tasks[0].ID, "again")
	if err != nil || cancelled {
		t.Fatalf("re-cancel = %v, %v", cancelled, err)
	}
}

func TestResetStale_RevertsAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))
	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Minute)
	reverted, err := store.ResetStale(ctx, "w1", cutoff)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(reverted) != 1 || reverted[0] != task.ID {
		t.Fatalf("reverted = %v", reverted)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != StatusPending || got.ClaimedBy != "" || got.StartedAt != nil {
		t.Fatalf("task = %+v", got)
	}

	reverted, err = store.ResetStale(ctx, "w1", cutoff)
	if err != nil || len(reverted) != 0 {
		t.Fatalf("second reset = %v, %v", reverted, err)
	}
}

func TestResetStale_RespectsCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))
	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Cutoff in the past: the fresh claim must survive.
	reverted, err := store.ResetStale(ctx, "w1", time.Now().UTC().Add(-time.Hour))
	if err != nil || len(reverted) != 0 {
		t.Fatalf("reset = %v, %v", reverted, err)
	}
}

func TestUnblockScan_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	a := coderSpec(g.ID, "a")
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	tasks, _ := store.CreateTasks(ctx, []TaskSpec{a, b})

	// Complete a without the completion-side unblock (simulate a crash
	// between the status write and the dependent release) by marking it
	// completed directly.
	if _, err := store.DB().Exec(`UPDATE tasks SET status = 'completed', claimed_by = NULL WHERE id = ?;`, tasks[0].ID); err != nil {
		t.Fatalf("force complete: %v", err)
	}

	res, err := store.UnblockScan(ctx, g.ID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.Unblocked) != 1 || res.Unblocked[0] != tasks[1].ID {
		t.Fatalf("unblocked = %v", res.Unblocked)
	}

	res2, err := store.UnblockScan(ctx, g.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(res2.Unblocked)+len(res2.Failed)+len(res2.Cancelled) != 0 {
		t.Fatalf("second scan changed state: %+v", res2)
	}
}

func TestUnblockScan_CascadesFailureChains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	a := coderSpec(g.ID, "a")
	b := coderSpec(g.ID, "b")
	b.BlockedBy = []string{SiblingRef(0)}
	c := coderSpec(g.ID, "c")
	c.BlockedBy = []string{SiblingRef(1)}
	tasks, _ := store.CreateTasks(ctx, []TaskSpec{a, b, c})

	if _, err := store.DB().Exec(`UPDATE tasks SET status = 'failed', claimed_by = NULL WHERE id = ?;`, tasks[0].ID); err != nil {
		t.Fatalf("force fail: %v", err)
	}
	res, err := store.UnblockScan(ctx, g.ID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("failed = %v", res.Failed)
	}
	for _, id := range []string{tasks[1].ID, tasks[2].ID} {
		got, _ := store.GetTask(ctx, id)
		if got.Status != StatusFailed {
			t.Fatalf("%s = %s", id, got.Status)
		}
	}
}

func TestRetryTask_OnlyFromFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))

	if err := store.RetryTask(ctx, task.ID); !IsConflict(err) {
		t.Fatalf("retry pending: want ConflictError, got %v", err)
	}
	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.HandleFailure(ctx, task.ID, "w1", "boom", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("retry failed task: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != StatusPending || got.Attempt != 0 || got.Error != "" {
		t.Fatalf("retried = %+v", got)
	}
}

func TestSingleTerminalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))
	if err := store.TryClaim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RecordCompletion(ctx, task.ID, "w1", "{}"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Any further terminal attempt is rejected.
	if _, err := store.RecordCompletion(ctx, task.ID, "w1", "{}"); !IsConflict(err) {
		t.Fatalf("double complete: %v", err)
	}
	if _, err := store.HandleFailure(ctx, task.ID, "w1", "late", false); !IsConflict(err) {
		t.Fatalf("fail after complete: %v", err)
	}
	if cancelled, _, _ := store.CancelTask(ctx, task.ID, "late"); cancelled {
		t.Fatal("cancel after complete succeeded")
	}
}

func TestAncestorChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)

	root, _ := store.CreateTask(ctx, coderSpec(g.ID, "root"))
	mid := coderSpec(g.ID, "mid")
	mid.ParentID = root.ID
	midTask, _ := store.CreateTask(ctx, mid)
	leaf := coderSpec(g.ID, "leaf")
	leaf.ParentID = midTask.ID
	leafTask, _ := store.CreateTask(ctx, leaf)

	chain, err := store.AncestorChain(ctx, leafTask.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != midTask.ID || chain[1].ID != root.ID {
		t.Fatalf("chain = %v", chain)
	}
}

func TestEvents_AppendListBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.AppendEvent(ctx, "task.created", `{"n":1}`); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.AppendEvent(ctx, "task.failed", `{}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := store.ListEvents(ctx, "task.created", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	all, _ := store.ListEvents(ctx, "", 0)
	if len(all) != 6 {
		t.Fatalf("all events = %d", len(all))
	}
}

func TestAgents_HeartbeatAndStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RegisterAgent(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.RegisterAgent(ctx, "coder-2", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Age coder-1's heartbeat artificially.
	old := time.Now().UTC().Add(-2 * time.Minute)
	if _, err := store.DB().Exec(`UPDATE agents SET last_heartbeat_at = ? WHERE instance_id = 'coder-1';`, old); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	stale, err := store.StaleAgents(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].InstanceID != "coder-1" {
		t.Fatalf("stale = %v", stale)
	}

	if err := store.HeartbeatAgent(ctx, "coder-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	stale, _ = store.StaleAgents(ctx, time.Now().UTC().Add(-time.Minute))
	if len(stale) != 0 {
		t.Fatalf("stale after heartbeat = %v", stale)
	}

	if err := store.SetAgentStatus(ctx, "coder-2", AgentStopped, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	agents, _ := store.ListAgents(ctx, false)
	if len(agents) != 1 || agents[0].InstanceID != "coder-1" {
		t.Fatalf("live agents = %v", agents)
	}
}

func TestGroupTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, store)
	if terminal, _ := store.GroupTerminal(ctx, g.ID); terminal {
		t.Fatal("empty group reported terminal")
	}
	task, _ := store.CreateTask(ctx, coderSpec(g.ID, "t"))
	if terminal, _ := store.GroupTerminal(ctx, g.ID); terminal {
		t.Fatal("live group reported terminal")
	}
	_ = store.TryClaim(ctx, task.ID, "w1")
	_, _ = store.RecordCompletion(ctx, task.ID, "w1", "{}")
	if terminal, _ := store.GroupTerminal(ctx, g.ID); !terminal {
		t.Fatal("finished group not terminal")
	}
}

// NewInstanceName is a tiny helper for race tests.
func NewInstanceName(i int) string {
	return "worker-" + string(rune('a'+i))
}
