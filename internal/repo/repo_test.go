package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"factline/internal/db"
	"factline/internal/domain"
	"factline/internal/migrate"
	"factline/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedTask(t *testing.T, r repo.Repo, ctx context.Context, taskKey string) {
	t.Helper()
	res, err := r.LoadTaskFacts(ctx, []domain.TaskFact{{
		TaskKey:    taskKey,
		ProjectKey: "proj-1",
		BatchKey:   "batch-1",
		Title:      "seed",
		Status:     domain.DerivedCompleted,
		CreatedAt:  t0,
		SyncedAt:   t0,
	}}, 0)
	if err != nil || res.Written != 1 {
		t.Fatalf("seed task %s: %+v %v", taskKey, res, err)
	}
}

func strp(s string) *string { return &s }

func TestLoadTaskFactsIdempotent(t *testing.T) {
	r, ctx := newTestRepo(t)
	dom := strp("Healthcare")
	completed := t0.Add(2 * time.Hour)
	facts := []domain.TaskFact{{
		TaskKey:     "t-1",
		ProjectKey:  "proj-1",
		BatchKey:    "batch-1",
		Title:       "Label scans",
		Status:      domain.DerivedReviewed,
		Domain:      dom,
		AssigneeKey: strp("ann"),
		CreatedAt:   t0,
		CompletedAt: &completed,
		ReviewCount: 2,
		SyncedAt:    t0.Add(3 * time.Hour),
	}}

	for i := 0; i < 2; i++ {
		res, err := r.LoadTaskFacts(ctx, facts, 10)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if res.Written != 1 || res.Failed != 0 || res.Batches != 1 {
			t.Fatalf("load %d: unexpected result %+v", i, res)
		}
	}

	counts, err := r.TableCounts(ctx, []string{"task_facts"})
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["task_facts"] != 1 {
		t.Fatalf("expected 1 row after double load, got %d", counts["task_facts"])
	}
	got, err := r.GetTaskFact(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.DerivedReviewed || got.Domain == nil || *got.Domain != "Healthcare" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CompletedAt.Equal(completed) || !got.CreatedAt.Equal(t0) {
		t.Fatalf("timestamps mismatch: %+v", got)
	}
}

func TestBatchFailureLeavesPriorBatchesCommitted(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTask(t, r, ctx, "t-1")

	mk := func(task string, seq int64) domain.Completion {
		return domain.Completion{
			TaskKey:     task,
			Seq:         seq,
			ActorKey:    "ann",
			CompletedAt: t0.Add(time.Duration(seq) * time.Minute),
			Count:       int(seq),
			Rework:      seq > 1,
			SyncedAt:    t0,
		}
	}
	// Five records at batch size two split 2+2+1. The third record points
	// at a task that does not exist, so batch two hits the foreign key.
	recs := []domain.Completion{
		mk("t-1", 1),
		mk("t-1", 2),
		mk("t-missing", 3),
		mk("t-1", 4),
		mk("t-1", 5),
	}

	res, err := r.LoadCompletions(ctx, recs, 2)
	if err == nil {
		t.Fatalf("expected constraint error, got %+v", res)
	}
	if res.Written != 2 || res.Failed != 3 || res.Batches != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := r.ListCompletions(ctx, "t-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected first batch committed and rest absent, got %d rows", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestLoadContributorsResolvesForwardReference(t *testing.T) {
	r, ctx := newTestRepo(t)
	// chris reports to ann but is extracted first.
	recs := []domain.Contributor{
		{ContributorKey: "chris", DisplayName: "Chris", Role: "labeler", LeadKey: strp("ann"), JoinedAt: t0, Active: true, SyncedAt: t0},
		{ContributorKey: "bella", DisplayName: "Bella", Role: "labeler", LeadKey: strp("ghost"), JoinedAt: t0, Active: true, SyncedAt: t0},
		{ContributorKey: "ann", DisplayName: "Ann", Role: "lead", JoinedAt: t0, Active: true, SyncedAt: t0},
	}

	res, skips, err := r.LoadContributors(ctx, recs, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Written != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(skips) != 1 {
		t.Fatalf("expected one unresolved lead, got %v", skips)
	}

	ann, err := r.GetContributor(ctx, "ann")
	if err != nil {
		t.Fatalf("get ann: %v", err)
	}
	if ann.LeadID != nil || ann.LeadKey != nil {
		t.Fatalf("ann should have no lead: %+v", ann)
	}
	chris, err := r.GetContributor(ctx, "chris")
	if err != nil {
		t.Fatalf("get chris: %v", err)
	}
	if chris.LeadID == nil || *chris.LeadID != ann.ID {
		t.Fatalf("chris lead not resolved to ann (%d): %+v", ann.ID, chris)
	}
	if chris.LeadKey == nil || *chris.LeadKey != "ann" {
		t.Fatalf("chris lead key not recovered: %+v", chris)
	}
	bella, err := r.GetContributor(ctx, "bella")
	if err != nil {
		t.Fatalf("get bella: %v", err)
	}
	if bella.LeadID != nil {
		t.Fatalf("unresolved lead should stay null: %+v", bella)
	}
}

func TestLoadContributorsKeepsStableIDs(t *testing.T) {
	r, ctx := newTestRepo(t)
	recs := []domain.Contributor{
		{ContributorKey: "ann", DisplayName: "Ann", Role: "lead", JoinedAt: t0, Active: true, SyncedAt: t0},
		{ContributorKey: "chris", DisplayName: "Chris", Role: "labeler", LeadKey: strp("ann"), JoinedAt: t0, Active: true, SyncedAt: t0},
	}
	if _, _, err := r.LoadContributors(ctx, recs, 0); err != nil {
		t.Fatalf("first load: %v", err)
	}
	first, err := r.GetContributor(ctx, "ann")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	recs[0].DisplayName = "Ann B"
	if _, _, err := r.LoadContributors(ctx, recs, 0); err != nil {
		t.Fatalf("second load: %v", err)
	}
	second, err := r.GetContributor(ctx, "ann")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("id changed across syncs: %d -> %d", first.ID, second.ID)
	}
	if second.DisplayName != "Ann B" {
		t.Fatalf("display name not refreshed: %+v", second)
	}
	chris, err := r.GetContributor(ctx, "chris")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if chris.LeadID == nil || *chris.LeadID != second.ID {
		t.Fatalf("lead link lost on resync: %+v", chris)
	}
}

func TestHandleTimeOverwrite(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTask(t, r, ctx, "t-1")

	ht := domain.HandleTime{
		TaskKey: "t-1", ActorKey: "ann",
		StartedAt: t0, EndedAt: t0.Add(1500 * time.Second),
		Seconds: 1500, Minutes: 25.0, SyncedAt: t0,
	}
	if _, err := r.LoadHandleTimes(ctx, []domain.HandleTime{ht}, 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	ht.ActorKey = "bob"
	ht.Seconds = 900
	ht.Minutes = 15.0
	if _, err := r.LoadHandleTimes(ctx, []domain.HandleTime{ht}, 0); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, err := r.GetHandleTime(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActorKey != "bob" || got.Seconds != 900 || got.Minutes != 15.0 {
		t.Fatalf("row not overwritten: %+v", got)
	}
	counts, err := r.TableCounts(ctx, []string{"handle_times"})
	if err != nil || counts["handle_times"] != 1 {
		t.Fatalf("expected single row: %v %v", counts, err)
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	r, ctx := newTestRepo(t)
	run := domain.SyncRun{
		ID:        "run-1",
		Dataset:   "task_facts",
		SyncType:  domain.SyncScheduled,
		Status:    domain.RunRunning,
		StartedAt: t0,
	}
	if err := r.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := r.GetSyncRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Terminal() || got.Status != domain.RunRunning || got.CompletedAt != nil {
		t.Fatalf("unexpected run: %+v", got)
	}

	done := t0.Add(90 * time.Second)
	if err := r.FinishSyncRun(ctx, "run-1", domain.RunPartial, done, 40, 2, strp("2 rows dropped")); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err = r.GetSyncRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RunPartial || got.Processed != 40 || got.Skipped != 2 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completed_at not recorded: %+v", got)
	}
	if got.Error == nil || *got.Error != "2 rows dropped" {
		t.Fatalf("error not recorded: %+v", got)
	}
	if !got.Unblocks() {
		t.Fatalf("partial run should unblock dependents")
	}

	// terminal rows are immutable
	err = r.FinishSyncRun(ctx, "run-1", domain.RunSuccess, done.Add(time.Minute), 99, 0, nil)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound finishing terminal run, got %v", err)
	}
}

func TestListSyncRunsFilterAndOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 4; i++ {
		ds := "task_facts"
		if i%2 == 1 {
			ds = "contributors"
		}
		run := domain.SyncRun{
			ID:        string(rune('a' + i)),
			Dataset:   ds,
			SyncType:  domain.SyncScheduled,
			Status:    domain.RunRunning,
			StartedAt: t0.Add(time.Duration(i) * time.Minute),
		}
		if err := r.CreateSyncRun(ctx, run); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	all, err := r.ListSyncRuns(ctx, repo.RunFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ID != "d" || all[3].ID != "a" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	facts, err := r.ListSyncRuns(ctx, repo.RunFilter{Dataset: "task_facts"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(facts) != 2 || facts[0].ID != "c" || facts[1].ID != "a" {
		t.Fatalf("unexpected filtered runs: %+v", facts)
	}

	limited, err := r.ListSyncRuns(ctx, repo.RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "d" {
		t.Fatalf("unexpected limited runs: %+v", limited)
	}
}

func TestPruneSyncRunsPerDataset(t *testing.T) {
	r, ctx := newTestRepo(t)
	add := func(id, ds string, i int) {
		t.Helper()
		err := r.CreateSyncRun(ctx, domain.SyncRun{
			ID: id, Dataset: ds, SyncType: domain.SyncScheduled,
			Status: domain.RunSuccess, StartedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	for i := 0; i < 5; i++ {
		add(string(rune('a'+i)), "task_facts", i)
	}
	add("x", "contributors", 0)
	add("y", "contributors", 1)

	removed, err := r.PruneSyncRuns(ctx, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	facts, err := r.ListSyncRuns(ctx, repo.RunFilter{Dataset: "task_facts"})
	if err != nil || len(facts) != 3 {
		t.Fatalf("task_facts history: %v %v", facts, err)
	}
	if facts[0].ID != "e" || facts[2].ID != "c" {
		t.Fatalf("kept wrong rows: %+v", facts)
	}
	other, err := r.ListSyncRuns(ctx, repo.RunFilter{Dataset: "contributors"})
	if err != nil || len(other) != 2 {
		t.Fatalf("contributors history should be untouched: %v %v", other, err)
	}
}

func TestLastSyncTime(t *testing.T) {
	r, ctx := newTestRepo(t)
	got, err := r.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil before any run, got %v", got)
	}

	for i, ds := range []string{"contributors", "task_facts"} {
		run := domain.SyncRun{
			ID: ds, Dataset: ds, SyncType: domain.SyncScheduled,
			Status: domain.RunRunning, StartedAt: t0,
		}
		if err := r.CreateSyncRun(ctx, run); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := r.FinishSyncRun(ctx, ds, domain.RunSuccess, t0.Add(time.Duration(i+1)*time.Minute), 1, 0, nil); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}

	got, err = r.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	want := t0.Add(2 * time.Minute)
	if got == nil || !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	ok, err := r.HasCompletedRun(ctx, "task_facts")
	if err != nil || !ok {
		t.Fatalf("task_facts should have history: %v %v", ok, err)
	}
	ok, err = r.HasCompletedRun(ctx, "completions")
	if err != nil || ok {
		t.Fatalf("completions should have none: %v %v", ok, err)
	}
}
