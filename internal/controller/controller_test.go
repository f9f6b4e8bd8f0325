package controller

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/BoomerAng9/AIMS-sub004/internal/db"
	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/estimate"
	"github.com/BoomerAng9/AIMS-sub004/internal/events"
	"github.com/BoomerAng9/AIMS-sub004/internal/executor"
	"github.com/BoomerAng9/AIMS-sub004/internal/manifest"
	"github.com/BoomerAng9/AIMS-sub004/internal/migrate"
	"github.com/BoomerAng9/AIMS-sub004/internal/pipeline"
	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
	"github.com/BoomerAng9/AIMS-sub004/internal/retrieval"
)

// Wednesday, mid-morning UTC. Inside business hours.
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func defaultTestPolicy() domain.Policy {
	return domain.Policy{
		Enabled:                 true,
		AutoApproveThresholdUSD: 5,
		MaxConcurrentRuns:       3,
		OperatingHours:          domain.HoursAlways,
		StallTimeoutMinutes:     30,
		MonthlyBudgetCapUSD:     500,
	}
}

func newTestController(t *testing.T) (*Controller, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.Repo{DB: conn}
	now := func() time.Time { return testNow }
	eng := &pipeline.Engine{
		Store:     store,
		Events:    events.Writer{DB: conn},
		Retriever: retrieval.ScopeLibrary{Store: store},
		Executor:  executor.Scripted{},
		Verifier:  executor.StaticVerifier{},
		Now:       now,
	}
	c := &Controller{
		Store:         store,
		Events:        events.Writer{DB: conn},
		Builder:       manifest.Builder{Estimator: estimate.Heuristic{CostPer1KTokensUSD: 0.012}, Now: now},
		Pipeline:      eng,
		Log:           zerolog.Nop(),
		Now:           now,
		DefaultPolicy: defaultTestPolicy(),
	}
	return c, store
}

func testEvent(id, scope string) domain.Event {
	return domain.Event{
		ID:        id,
		Source:    domain.SourceManual,
		Type:      "request",
		Payload:   map[string]any{"scope": scope},
		Timestamp: testNow,
		Priority:  domain.PriorityNormal,
		OwnerID:   "owner-1",
	}
}

func TestIngestRunsToCompletion(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	out, err := c.IngestEvent(ctx, testEvent("evt-1", "wire up the billing export"), "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Decision != DecisionAccepted {
		t.Fatalf("decision = %s (%s), want accepted", out.Decision, out.Reason)
	}
	if out.Run == nil || out.Run.Status != domain.RunCompleted {
		t.Fatalf("run not completed: %+v", out.Run)
	}

	// spend landed in the current month's bucket
	spend, err := store.SpendFor(ctx, testNow.Format(SpendPeriod))
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if spend <= 0 {
		t.Fatal("completion must record spend")
	}
	if spend != out.Run.CostActual.TotalUSD {
		t.Fatalf("spend = %f, want %f", spend, out.Run.CostActual.TotalUSD)
	}

	// a chamber was created lazily and credited with the completion
	chambers, err := store.ListChambers(ctx)
	if err != nil {
		t.Fatalf("chambers: %v", err)
	}
	if len(chambers) != 1 {
		t.Fatalf("expected 1 chamber, got %d", len(chambers))
	}
	ch := chambers[0]
	if ch.OwnerID != "owner-1" || ch.CompletedRunCount != 1 {
		t.Fatalf("chamber bookkeeping: %+v", ch)
	}
	if ch.TotalSpendUSD != out.Run.CostActual.TotalUSD {
		t.Fatalf("chamber spend = %f", ch.TotalSpendUSD)
	}

	// same owner reuses the chamber
	if _, err := c.IngestEvent(ctx, testEvent("evt-2", "second job"), "tester"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	chambers, _ = store.ListChambers(ctx)
	if len(chambers) != 1 {
		t.Fatalf("chamber must be reused, got %d", len(chambers))
	}
}

func TestIngestRejectedWhenDisabled(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	pol := defaultTestPolicy()
	pol.Enabled = false
	if err := c.SetPolicy(ctx, pol, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	out, err := c.IngestEvent(ctx, testEvent("evt-1", "x"), "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Decision != DecisionRejected {
		t.Fatalf("decision = %s, want rejected", out.Decision)
	}
	if out.Reason != "automation is paused" {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestIngestRejectedBySourceFilter(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	pol := defaultTestPolicy()
	pol.AllowedSources = []domain.Source{domain.SourceGitHub}
	if err := c.SetPolicy(ctx, pol, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	out, err := c.IngestEvent(ctx, testEvent("evt-1", "x"), "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Decision != DecisionRejected {
		t.Fatalf("decision = %s, want rejected", out.Decision)
	}
	if !strings.Contains(out.Reason, "not allowed") {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestIngestQueuedOutsideHours(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()
	pol := defaultTestPolicy()
	pol.OperatingHours = domain.HoursBusiness
	if err := c.SetPolicy(ctx, pol, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	c.Now = func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) } // Saturday

	out, err := c.IngestEvent(ctx, testEvent("evt-1", "weekend work"), "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Decision != DecisionQueued {
		t.Fatalf("decision = %s, want queued", out.Decision)
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}

	// back inside hours, PollOnce drains the queue
	c.Now = func() time.Time { return testNow }
	if err := c.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	depth, _ = store.QueueDepth(ctx)
	if depth != 0 {
		t.Fatalf("queue not drained, depth = %d", depth)
	}
	runs, err := store.ListRuns(ctx, repo.RunFilters{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != domain.RunCompleted {
		t.Fatalf("drained event did not run: %+v", runs)
	}
}

func TestIngestRejectedAtBudgetCap(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()
	if err := store.AddSpend(ctx, testNow.Format(SpendPeriod), 500); err != nil {
		t.Fatalf("seed spend: %v", err)
	}

	out, err := c.IngestEvent(ctx, testEvent("evt-1", "x"), "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Decision != DecisionRejected {
		t.Fatalf("decision = %s, want rejected", out.Decision)
	}
	if !strings.Contains(out.Reason, "budget cap") {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestIngestQueuedAtConcurrencyLimit(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()
	pol := defaultTestPolicy()
	pol.MaxConcurrentRuns = 1
	pol.AutoApproveThresholdUSD = 0 // everything parks for approval
	if err := c.SetPolicy(ctx, pol, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	out, err := c.IngestEvent(ctx, testEvent("evt-1", "held for approval"), "tester")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if out.Run == nil || out.Run.Status != domain.RunAwaitingApproval {
		t.Fatalf("first run: %+v", out.Run)
	}

	// the parked run holds the only slot
	out2, err := c.IngestEvent(ctx, testEvent("evt-2", "waits in line"), "tester")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if out2.Decision != DecisionQueued {
		t.Fatalf("decision = %s, want queued", out2.Decision)
	}
	if out2.Reason != "max concurrent runs reached" {
		t.Fatalf("reason = %q", out2.Reason)
	}

	// approving the blocker frees the slot and completes it
	run, err := c.ApproveRun(ctx, out.Run.ID, "human")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("approved run status = %s", run.Status)
	}
	if err := c.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 0 {
		t.Fatalf("queue depth = %d after drain", depth)
	}
	// drained event parks for approval too, under the same policy
	runs, _ := store.ListRuns(ctx, repo.RunFilters{Status: domain.RunAwaitingApproval})
	if len(runs) != 1 {
		t.Fatalf("expected 1 awaiting run, got %d", len(runs))
	}
}

func TestPollMarksStalledRuns(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()
	pol := defaultTestPolicy()
	pol.AutoApproveThresholdUSD = 0
	if err := c.SetPolicy(ctx, pol, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	out, err := c.IngestEvent(ctx, testEvent("evt-1", "will stall"), "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	run := *out.Run
	// simulate a run stuck mid-phase past the stall timeout
	run.Status = domain.RunDeveloping
	run.UpdatedAt = testNow.Add(-2 * time.Hour)
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	if err := c.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunStalled {
		t.Fatalf("status = %s, want stalled", got.Status)
	}
	if got.FrozenFrom != domain.RunDeveloping {
		t.Fatalf("frozen_from = %s", got.FrozenFrom)
	}

	// a fresh run is left alone
	if err := c.PollOnce(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	got, _ = store.GetRun(ctx, run.ID)
	if got.Status != domain.RunStalled {
		t.Fatalf("stalled run must stay stalled, got %s", got.Status)
	}
}

func TestGetStatus(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.IngestEvent(ctx, testEvent("evt-1", "finished work"), "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	st, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Enabled || !st.WithinHours {
		t.Fatalf("status flags: %+v", st)
	}
	if st.ActiveRuns != 0 {
		t.Fatalf("active = %d, completed runs must not count", st.ActiveRuns)
	}
	if st.Chambers != 1 || st.SpendPeriod != testNow.Format(SpendPeriod) {
		t.Fatalf("status: %+v", st)
	}
	if st.MonthlySpendUSD <= 0 {
		t.Fatal("spend missing from status")
	}
	if st.PendingApproval != 0 {
		t.Fatalf("pending approval = %d, want 0", st.PendingApproval)
	}
	if len(st.RecentCompletions) != 1 {
		t.Fatalf("recent completions = %d, want 1", len(st.RecentCompletions))
	}
	done := st.RecentCompletions[0]
	if done.GateScore != len(domain.AllGates()) {
		t.Fatalf("completion gate score = %d", done.GateScore)
	}
	if done.RunID == "" || done.CompletedAt.IsZero() {
		t.Fatalf("completion summary: %+v", done)
	}

	// a run parked for approval shows up in the pending count
	pol := defaultTestPolicy()
	pol.AutoApproveThresholdUSD = 0
	if err := c.SetPolicy(ctx, pol, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if _, err := c.IngestEvent(ctx, testEvent("evt-2", "held work"), "tester"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	st, err = c.GetStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PendingApproval != 1 {
		t.Fatalf("pending approval = %d, want 1", st.PendingApproval)
	}
	if len(st.RecentCompletions) != 1 {
		t.Fatalf("parked run must not appear in completions: %+v", st.RecentCompletions)
	}
}

func TestSetChamberStatus(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()
	if _, err := c.IngestEvent(ctx, testEvent("evt-1", "seed chamber"), "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	chambers, _ := store.ListChambers(ctx)
	id := chambers[0].ID

	ch, err := c.SetChamberStatus(ctx, id, domain.ChamberWatching, "tester")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if ch.Status != domain.ChamberWatching {
		t.Fatalf("status = %s", ch.Status)
	}
	if ch.PollIntervalMS != domain.PollIntervalFor(domain.ChamberWatching) {
		t.Fatalf("poll interval = %d", ch.PollIntervalMS)
	}
	if _, err := c.SetChamberStatus(ctx, id, "hibernating", "tester"); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestPatchPolicy(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	cap := 42.5
	pol, err := c.PatchPolicy(ctx, PolicyPatch{MonthlyBudgetCapUSD: &cap}, "tester")
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if pol.MonthlyBudgetCapUSD != 42.5 {
		t.Fatalf("cap = %f", pol.MonthlyBudgetCapUSD)
	}
	// untouched fields keep defaults
	if pol.MaxConcurrentRuns != 3 || !pol.Enabled {
		t.Fatalf("patch clobbered fields: %+v", pol)
	}

	bad := 0
	if _, err := c.PatchPolicy(ctx, PolicyPatch{MaxConcurrentRuns: &bad}, "tester"); err == nil {
		t.Fatal("invalid patch must be rejected")
	}
	// failed patch must not stick
	pol, _ = c.Policy(ctx)
	if pol.MaxConcurrentRuns != 3 {
		t.Fatalf("failed patch persisted: %+v", pol)
	}

	// a zero cap would disable the budget stop, so it is invalid
	noCap := 0.0
	if _, err := c.PatchPolicy(ctx, PolicyPatch{MonthlyBudgetCapUSD: &noCap}, "tester"); err == nil {
		t.Fatal("zero budget cap must be rejected")
	}
	pol, _ = c.Policy(ctx)
	if pol.MonthlyBudgetCapUSD != 42.5 {
		t.Fatalf("zero cap persisted: %+v", pol)
	}
}

func TestOperatingHoursEvaluation(t *testing.T) {
	cases := []struct {
		name string
		pol  domain.Policy
		at   time.Time
		want bool
	}{
		{"always", domain.Policy{OperatingHours: domain.HoursAlways}, time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC), true},
		{"business weekday", domain.Policy{OperatingHours: domain.HoursBusiness}, testNow, true},
		{"business evening", domain.Policy{OperatingHours: domain.HoursBusiness}, time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC), false},
		{"business sunday", domain.Policy{OperatingHours: domain.HoursBusiness}, time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC), false},
		{"custom inside", domain.Policy{OperatingHours: domain.HoursCustom, CustomHoursStart: 8, CustomHoursEnd: 20}, testNow, true},
		{"custom outside", domain.Policy{OperatingHours: domain.HoursCustom, CustomHoursStart: 12, CustomHoursEnd: 20}, testNow, false},
		{"custom wraps midnight", domain.Policy{OperatingHours: domain.HoursCustom, CustomHoursStart: 22, CustomHoursEnd: 6}, time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC), true},
		{"custom wrap excludes midday", domain.Policy{OperatingHours: domain.HoursCustom, CustomHoursStart: 22, CustomHoursEnd: 6}, testNow, false},
		{"custom degenerate window", domain.Policy{OperatingHours: domain.HoursCustom, CustomHoursStart: 9, CustomHoursEnd: 9}, testNow, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := withinOperatingHours(tc.pol, tc.at); got != tc.want {
				t.Fatalf("withinOperatingHours = %v, want %v", got, tc.want)
			}
		})
	}
}
