package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Krestall88/cleaning-control/internal/config"
	"github.com/Krestall88/cleaning-control/internal/db"
	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/engine"
	"github.com/Krestall88/cleaning-control/internal/migrate"
	"github.com/Krestall88/cleaning-control/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Defaults.Timezone = "UTC"
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateLocation(ctx, engine.LocationCreateOptions{ID: "loc-1", Name: "Lobby", SortKey: "010", ActorID: "tester"}); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedDefinition(t *testing.T, env testEnv, id, frequency, activeFrom string, mod func(*engine.DefinitionCreateOptions)) domain.RecurringDefinition {
	t.Helper()
	opts := engine.DefinitionCreateOptions{
		ID:         id,
		LocationID: "loc-1",
		Frequency:  frequency,
		Timezone:   "UTC",
		ActiveFrom: activeFrom,
		ActorID:    "tester",
	}
	if mod != nil {
		mod(&opts)
	}
	d, err := env.Engine.CreateDefinition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create definition %s: %v", id, err)
	}
	return d
}

func TestProjectVirtualThenMaterializedAfterClaim(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "WEEKLY", "2024-01-01", nil)

	res, err := env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-01", To: "2024-01-21"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	var dates []string
	for _, it := range res.Items {
		if it.Status != domain.StatusPending || it.Materialized {
			t.Fatalf("expected virtual PENDING entry, got %+v", it)
		}
		dates = append(dates, it.DueDate)
	}
	want := []string{"2024-01-01", "2024-01-08", "2024-01-15"}
	if len(dates) != len(want) {
		t.Fatalf("expected %v, got %v", want, dates)
	}
	for i := range want {
		if dates[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, dates)
		}
	}

	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-08"}
	o, err := env.Engine.Apply(env.Ctx, key, engine.Claim{Actor: "cleaner-7"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if o.Status != domain.StatusNew {
		t.Fatalf("materializing claim should leave status NEW, got %s", o.Status)
	}
	if o.ClaimedBy == nil || *o.ClaimedBy != "cleaner-7" {
		t.Fatalf("claimed_by not recorded: %+v", o)
	}

	res, err = env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-01", To: "2024-01-21"})
	if err != nil {
		t.Fatalf("reproject: %v", err)
	}
	seenMaterialized := 0
	for _, it := range res.Items {
		if it.DueDate == "2024-01-08" {
			if !it.Materialized || it.Status != domain.StatusNew || it.Occurrence == nil {
				t.Fatalf("expected materialized NEW for 2024-01-08, got %+v", it)
			}
			seenMaterialized++
		} else if it.Materialized {
			t.Fatalf("unexpected materialized entry %+v", it)
		}
	}
	if seenMaterialized != 1 {
		t.Fatalf("expected exactly one materialized entry, got %d", seenMaterialized)
	}
}

func TestClaimRaceCreatesSingleRow(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Apply(env.Ctx, key, engine.Claim{Actor: "cleaner-7"})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	o, err := env.Engine.Repo.GetOccurrence(env.Ctx, key)
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	if o.ClaimedBy == nil || *o.ClaimedBy != "cleaner-7" {
		t.Fatalf("claim lost: %+v", o)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "occurrence.materialized", "d1", "2024-01-10")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected exactly one materialization event, got %d", len(evts))
	}
}

func TestCompleteIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}

	done := engine.Complete{Actor: "cleaner-7", Comment: "wiped down", PhotoRefs: []string{"photo-1"}}
	first, err := env.Engine.Apply(env.Ctx, key, done)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.Status != domain.StatusCompleted || first.CompletedAt == nil {
		t.Fatalf("expected COMPLETED, got %+v", first)
	}

	replay, err := env.Engine.Apply(env.Ctx, key, done)
	if err != nil {
		t.Fatalf("identical replay should be a no-op: %v", err)
	}
	if replay.Status != domain.StatusCompleted || replay.Comment != first.Comment {
		t.Fatalf("replay changed the row: %+v", replay)
	}

	_, err = env.Engine.Apply(env.Ctx, key, engine.Complete{Actor: "cleaner-7", Comment: "different story", PhotoRefs: []string{"photo-2"}})
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("replay with different evidence should be rejected, got %v", err)
	}
}

func TestCompleteBareReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}

	if _, err := env.Engine.Apply(env.Ctx, key, engine.Complete{Actor: "cleaner-7", Comment: "wiped down", PhotoRefs: []string{"photo-1"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A Complete carrying no evidence is not a replay of one that did.
	_, err := env.Engine.Apply(env.Ctx, key, engine.Complete{Actor: "cleaner-7"})
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("bare complete against a completed row should be rejected, got %v", err)
	}

	o, err := env.Engine.Repo.GetOccurrence(env.Ctx, key)
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	if o.Comment != "wiped down" || len(o.PhotoRefs) != 1 {
		t.Fatalf("terminal row mutated: %+v", o)
	}
}

func TestTerminalImmutability(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}

	if _, err := env.Engine.Apply(env.Ctx, key, engine.Complete{Actor: "cleaner-7", Comment: "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := env.Engine.Apply(env.Ctx, key, engine.Fail{Actor: "cleaner-7", Reason: "x"})
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	o, err := env.Engine.Repo.GetOccurrence(env.Ctx, key)
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	if o.Status != domain.StatusCompleted || o.FailureReason != nil {
		t.Fatalf("terminal row mutated: %+v", o)
	}
}

func TestCompleteNamesMissingEvidence(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", func(o *engine.DefinitionCreateOptions) {
		o.RequirePhoto = true
	})
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}

	if _, err := env.Engine.Apply(env.Ctx, key, engine.Claim{Actor: "cleaner-7"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := env.Engine.Apply(env.Ctx, key, engine.Complete{Actor: "cleaner-7", Comment: "done"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(ve.Requirement, "photo") {
		t.Fatalf("error must name the failed requirement, got %q", ve.Requirement)
	}
	o, err := env.Engine.Repo.GetOccurrence(env.Ctx, key)
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	if o.Status != domain.StatusNew {
		t.Fatalf("rejected complete must not change status, got %s", o.Status)
	}
}

func TestCommentAdvancesOpenRow(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}

	o, err := env.Engine.Apply(env.Ctx, key, engine.Claim{Actor: "cleaner-7"})
	if err != nil || o.Status != domain.StatusNew {
		t.Fatalf("claim: %v %+v", err, o)
	}
	o, err = env.Engine.Apply(env.Ctx, key, engine.Comment{Actor: "cleaner-7", Text: "half done"})
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if o.Status != domain.StatusInProgress || o.Comment != "half done" {
		t.Fatalf("comment on NEW should move to IN_PROGRESS, got %+v", o)
	}
}

func TestApplyOffGridDateIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "WEEKLY", "2024-01-01", nil)
	// 2024-01-10 is a Wednesday, the anchor grid is Mondays.
	_, err := env.Engine.Apply(env.Ctx, domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}, engine.Claim{Actor: "cleaner-7"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyRetiredDefinitionIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	if _, err := env.Engine.RetireDefinition(env.Ctx, "d1", "2024-01-05", "manager"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	_, err := env.Engine.Apply(env.Ctx, domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}, engine.Claim{Actor: "cleaner-7"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFrequencyChangeKeepsMaterializedRows(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)
	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-03"}
	if _, err := env.Engine.Apply(env.Ctx, key, engine.Claim{Actor: "cleaner-7"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	weekly := "WEEKLY"
	if _, err := env.Engine.UpdateDefinition(env.Ctx, engine.DefinitionUpdateOptions{ID: "d1", Frequency: &weekly, ActorID: "manager"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-01", To: "2024-01-15"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	foundRow := false
	for _, it := range res.Items {
		if it.DueDate == "2024-01-03" {
			if !it.Materialized {
				t.Fatalf("materialized row dropped after frequency change: %+v", it)
			}
			foundRow = true
		} else if it.Materialized {
			t.Fatalf("unexpected materialized entry %+v", it)
		} else if it.DueDate != "2024-01-01" && it.DueDate != "2024-01-08" && it.DueDate != "2024-01-15" {
			t.Fatalf("virtual entry off the weekly grid: %s", it.DueDate)
		}
	}
	if !foundRow {
		t.Fatalf("off-grid materialized row missing from projection")
	}
}

func TestPrewarmAndSweep(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", nil)

	// One claimed occurrence well past the grace period, one completed.
	overdue := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-05"}
	if _, err := env.Engine.Apply(env.Ctx, overdue, engine.Claim{Actor: "cleaner-7"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	doneKey := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-06"}
	if _, err := env.Engine.Apply(env.Ctx, doneKey, engine.Complete{Actor: "cleaner-7", Comment: "ok"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	report, err := env.Engine.RunMaintenance(env.Ctx)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if len(report.Skipped) != 0 {
		t.Fatalf("unexpected skips: %v", report.Skipped)
	}
	// Today is 2024-01-10, horizon 7: the 8 days 01-10..01-17 get rows.
	if report.Prewarmed != 8 {
		t.Fatalf("expected 8 prewarmed rows, got %d", report.Prewarmed)
	}
	if report.Swept != 1 {
		t.Fatalf("expected 1 swept row, got %d", report.Swept)
	}

	o, err := env.Engine.Repo.GetOccurrence(env.Ctx, overdue)
	if err != nil {
		t.Fatalf("get overdue: %v", err)
	}
	if o.Status != domain.StatusFailed || o.FailureReason == nil {
		t.Fatalf("overdue row not auto-failed: %+v", o)
	}
	done, err := env.Engine.Repo.GetOccurrence(env.Ctx, doneKey)
	if err != nil || done.Status != domain.StatusCompleted {
		t.Fatalf("completed row touched by sweep: %v %+v", err, done)
	}

	// Re-running is idempotent.
	report, err = env.Engine.RunMaintenance(env.Ctx)
	if err != nil {
		t.Fatalf("second maintenance: %v", err)
	}
	if report.Prewarmed != 0 || report.Swept != 0 {
		t.Fatalf("second pass should be a no-op, got %+v", report)
	}
}

func TestProjectionWarnsAndContinues(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "good", "DAILY", "2024-01-01", nil)

	// A broken definition slipped past validation (restored backup, manual
	// edit). It must not blank the calendar.
	bad := domain.RecurringDefinition{
		ID:         "bad",
		LocationID: "loc-1",
		Frequency:  domain.Daily,
		Timezone:   "Not/AZone",
		ActiveFrom: "2024-01-01",
		CreatedAt:  "2024-01-01T00:00:00Z",
		UpdatedAt:  "2024-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertDefinition(env.Ctx, bad); err != nil {
		t.Fatalf("insert bad definition: %v", err)
	}

	res, err := env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-01", To: "2024-01-03"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one integrity warning, got %v", res.Warnings)
	}
	if len(res.Items) != 3 {
		t.Fatalf("good definition should still project 3 days, got %d", len(res.Items))
	}
	for _, it := range res.Items {
		if it.Key.DefinitionID != "good" {
			t.Fatalf("excluded definition leaked into projection: %+v", it)
		}
	}
}

func TestProjectionOrderedByDateThenLocation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateLocation(env.Ctx, engine.LocationCreateOptions{ID: "loc-0", Name: "Entrance", SortKey: "005", ActorID: "tester"}); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	seedDefinition(t, env, "lobby", "DAILY", "2024-01-01", nil)
	seedDefinition(t, env, "entrance", "DAILY", "2024-01-01", func(o *engine.DefinitionCreateOptions) {
		o.LocationID = "loc-0"
	})

	res, err := env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-01", To: "2024-01-02"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(res.Items))
	}
	wantOrder := []string{"entrance", "lobby", "entrance", "lobby"}
	for i, it := range res.Items {
		if it.Key.DefinitionID != wantOrder[i] {
			t.Fatalf("order mismatch at %d: got %s, want %s", i, it.Key.DefinitionID, wantOrder[i])
		}
	}
	if res.Items[0].DueDate != "2024-01-01" || res.Items[2].DueDate != "2024-01-02" {
		t.Fatalf("items not grouped by due date: %+v", res.Items)
	}
}

func TestActorFilterLiveBeforeFrozenAfter(t *testing.T) {
	env := newTestEnv(t)
	seedDefinition(t, env, "d1", "DAILY", "2024-01-01", func(o *engine.DefinitionCreateOptions) {
		o.ResponsibleActor = "cleaner-a"
	})

	res, err := env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-10", To: "2024-01-10", Actor: "cleaner-a"})
	if err != nil || len(res.Items) != 1 {
		t.Fatalf("virtual entry should follow live responsible actor: %v %+v", err, res.Items)
	}

	key := domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}
	if _, err := env.Engine.Apply(env.Ctx, key, engine.Materialize{Actor: engine.SystemActor}); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	// Reassignment after materialization must not move the frozen row.
	reassigned := "cleaner-b"
	if _, err := env.Engine.UpdateDefinition(env.Ctx, engine.DefinitionUpdateOptions{ID: "d1", ResponsibleActor: &reassigned, ActorID: "manager"}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	res, err = env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-10", To: "2024-01-10", Actor: "cleaner-a"})
	if err != nil || len(res.Items) != 1 || !res.Items[0].Materialized {
		t.Fatalf("materialized row should keep the frozen assignee: %v %+v", err, res.Items)
	}
	res, err = env.Engine.Project(env.Ctx, engine.ProjectOptions{From: "2024-01-11", To: "2024-01-11", Actor: "cleaner-b"})
	if err != nil || len(res.Items) != 1 || res.Items[0].Materialized {
		t.Fatalf("future virtual entry should follow the new assignee: %v %+v", err, res.Items)
	}
}
