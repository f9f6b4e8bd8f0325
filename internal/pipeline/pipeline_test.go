package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BoomerAng9/AIMS-sub004/internal/db"
	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/estimate"
	"github.com/BoomerAng9/AIMS-sub004/internal/events"
	"github.com/BoomerAng9/AIMS-sub004/internal/executor"
	"github.com/BoomerAng9/AIMS-sub004/internal/manifest"
	"github.com/BoomerAng9/AIMS-sub004/internal/migrate"
	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
	"github.com/BoomerAng9/AIMS-sub004/internal/retrieval"
)

// flakyVerifier fails the listed gates a bounded number of times, then
// passes them.
type flakyVerifier struct {
	failures map[domain.GateKind]int
}

func (v *flakyVerifier) Check(_ context.Context, gate domain.GateKind, _ domain.Run) (domain.GateResult, error) {
	if n := v.failures[gate]; n > 0 {
		v.failures[gate] = n - 1
		return domain.GateResult{Gate: gate, Passed: false, Evidence: "forced failure"}, nil
	}
	return domain.GateResult{Gate: gate, Passed: true, Score: 100, Evidence: "ok"}, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(_ context.Context, step string, _ domain.Manifest) (executor.Output, error) {
	return executor.Output{}, errors.New("executor unavailable")
}

type testEnv struct {
	engine *Engine
	store  repo.Repo
}

func newTestEnv(t *testing.T, verifier executor.Verifier) *testEnv {
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
	if verifier == nil {
		verifier = executor.StaticVerifier{}
	}
	eng := &Engine{
		Store:     store,
		Events:    events.Writer{DB: conn},
		Retriever: retrieval.ScopeLibrary{Store: store},
		Executor:  executor.Scripted{},
		Verifier:  verifier,
		Now:       func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) },
	}
	return &testEnv{engine: eng, store: store}
}

func buildManifest(t *testing.T, scope string, approval bool) domain.Manifest {
	t.Helper()
	b := manifest.Builder{Estimator: estimate.Heuristic{CostPer1KTokensUSD: 0.012}}
	pol := domain.Policy{
		Enabled:                 true,
		AutoApproveThresholdUSD: 5,
		MaxConcurrentRuns:       3,
		OperatingHours:          domain.HoursAlways,
		MonthlyBudgetCapUSD:     500,
	}
	if approval {
		pol.AutoApproveThresholdUSD = 0.001
	}
	evt := domain.Event{
		ID:        "evt-" + strings.ReplaceAll(scope, " ", "-"),
		Source:    domain.SourceManual,
		Type:      "request",
		Payload:   map[string]any{"scope": scope},
		Timestamp: time.Now().UTC(),
		Priority:  domain.PriorityNormal,
	}
	m, err := b.Build(context.Background(), evt, pol)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	return m
}

// drive runs develop+hone cycles until the run leaves the retry loop.
func drive(t *testing.T, env *testEnv, runID string) domain.Run {
	t.Helper()
	ctx := context.Background()
	run, err := env.engine.ExecuteFoster(ctx, runID)
	if err != nil {
		t.Fatalf("foster: %v", err)
	}
	for {
		run, err = env.engine.ExecuteDevelop(ctx, runID)
		if err != nil {
			t.Fatalf("develop: %v", err)
		}
		run, _, err = env.engine.ExecuteHone(ctx, runID)
		if err != nil {
			t.Fatalf("hone: %v", err)
		}
		if run.Status != domain.RunDeveloping {
			return run
		}
	}
}

func TestRunLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	m := buildManifest(t, "add retry middleware to the fetch layer", false)

	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != domain.RunPending {
		t.Fatalf("status = %s, want pending", run.Status)
	}
	if run.MaxRetries != MaxRetries {
		t.Fatalf("max retries = %d", run.MaxRetries)
	}

	if _, err := env.engine.ApproveRun(ctx, run.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	run = drive(t, env, run.ID)
	if run.Status != domain.RunHoneComplete {
		t.Fatalf("status = %s, want hone_complete (error=%s)", run.Status, run.Error)
	}
	if run.ReceiptID == "" {
		t.Fatal("verified run must carry a receipt id")
	}
	if run.CostActual.TotalTokens != m.CostEstimate.TotalTokens {
		t.Fatalf("cost tokens = %d, want %d", run.CostActual.TotalTokens, m.CostEstimate.TotalTokens)
	}

	receipt, err := env.store.GetReceipt(ctx, run.ReceiptID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.GateScore != len(domain.AllGates()) || len(receipt.GatesFailed) != 0 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(receipt.GatesPassed) != len(domain.AllGates()) {
		t.Fatalf("expected all gates on receipt, got %d", len(receipt.GatesPassed))
	}
	if len(receipt.Artifacts) != len(m.Plan.Develop.Steps) {
		t.Fatalf("expected %d artifacts, got %d", len(m.Plan.Develop.Steps), len(receipt.Artifacts))
	}
	for _, a := range receipt.Artifacts {
		if a.Hash == "" || a.Path == "" {
			t.Fatalf("artifact missing hash or path: %+v", a)
		}
	}

	run, err = env.engine.CompleteRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if run.Status != domain.RunCompleted || run.CompletedAt == nil {
		t.Fatalf("run not completed: %+v", run)
	}
}

func TestDevelopWaves(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	// github plans have five develop steps: two waves of 3 and 2
	b := manifest.Builder{Estimator: estimate.Heuristic{}}
	evt := domain.Event{ID: "evt-waves", Source: domain.SourceGitHub, Type: "push", Payload: map[string]any{"scope": "wave sizing"}}
	m, err := b.Build(ctx, evt, domain.Policy{AutoApproveThresholdUSD: 100, MaxConcurrentRuns: 1, OperatingHours: domain.HoursAlways})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.ApproveRun(ctx, run.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.ExecuteFoster(ctx, run.ID); err != nil {
		t.Fatalf("foster: %v", err)
	}
	run, err = env.engine.ExecuteDevelop(ctx, run.ID)
	if err != nil {
		t.Fatalf("develop: %v", err)
	}
	dev := run.Phases.Develop
	if dev == nil {
		t.Fatal("develop result missing")
	}
	if len(dev.Waves) != 2 {
		t.Fatalf("expected 2 waves for 5 steps, got %d", len(dev.Waves))
	}
	if len(dev.Waves[0].Steps) != 3 || len(dev.Waves[1].Steps) != 2 {
		t.Fatalf("wrong wave sizes: %d, %d", len(dev.Waves[0].Steps), len(dev.Waves[1].Steps))
	}
	kinds := map[domain.ArtifactKind]bool{}
	for _, a := range dev.Artifacts {
		kinds[a.Type] = true
	}
	if !kinds[domain.ArtifactTest] || !kinds[domain.ArtifactCode] {
		t.Fatalf("expected test and code artifacts, got %v", kinds)
	}
}

func TestVerificationRetryThenPass(t *testing.T) {
	verifier := &flakyVerifier{failures: map[domain.GateKind]int{domain.GateSecurity: 1}}
	env := newTestEnv(t, verifier)
	ctx := context.Background()
	m := buildManifest(t, "patch the token validator", false)

	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.ApproveRun(ctx, run.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.ExecuteFoster(ctx, run.ID); err != nil {
		t.Fatalf("foster: %v", err)
	}
	if _, err := env.engine.ExecuteDevelop(ctx, run.ID); err != nil {
		t.Fatalf("develop: %v", err)
	}

	run, result, err := env.engine.ExecuteHone(ctx, run.ID)
	if err != nil {
		t.Fatalf("hone: %v", err)
	}
	if result.AllPassed {
		t.Fatal("first attempt should fail the security gate")
	}
	// score counts passed gates, so one failure is checklist minus one
	if result.GateScore != len(domain.AllGates())-1 {
		t.Fatalf("gate score = %d, want %d", result.GateScore, len(domain.AllGates())-1)
	}
	if run.Status != domain.RunDeveloping || run.RetryCount != 1 {
		t.Fatalf("expected cycle back, got status=%s retries=%d", run.Status, run.RetryCount)
	}
	fosterTokens := run.Phases.Foster.Tokens

	if _, err := env.engine.ExecuteDevelop(ctx, run.ID); err != nil {
		t.Fatalf("develop retry: %v", err)
	}
	run, result, err = env.engine.ExecuteHone(ctx, run.ID)
	if err != nil {
		t.Fatalf("hone retry: %v", err)
	}
	if !result.AllPassed {
		t.Fatalf("second attempt should pass: %+v", result)
	}
	if result.GateScore != len(domain.AllGates()) {
		t.Fatalf("gate score = %d, want %d", result.GateScore, len(domain.AllGates()))
	}
	if run.Status != domain.RunHoneComplete || run.RetryCount != 1 {
		t.Fatalf("status=%s retries=%d", run.Status, run.RetryCount)
	}
	// Foster ran once; the retry must not refresh its snapshot
	if run.Phases.Foster.Tokens != fosterTokens {
		t.Fatal("foster result changed across retry")
	}
	// total spend includes both develop attempts
	if run.CostActual.TotalTokens <= m.CostEstimate.TotalTokens {
		t.Fatalf("accumulated cost %d should exceed estimate %d", run.CostActual.TotalTokens, m.CostEstimate.TotalTokens)
	}
	// but the cost gate judged only the latest attempt
	for _, g := range result.Gates {
		if g.Gate == domain.GateCostAccuracy && !g.Passed {
			t.Fatalf("cost gate must pass on a clean retry: %+v", g)
		}
	}
}

func TestRetriesExhausted(t *testing.T) {
	verifier := &flakyVerifier{failures: map[domain.GateKind]int{
		domain.GateSecurity:    100,
		domain.GatePerformance: 100,
	}}
	env := newTestEnv(t, verifier)
	ctx := context.Background()
	m := buildManifest(t, "a change that never verifies", false)

	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.ApproveRun(ctx, run.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	run = drive(t, env, run.ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.RetryCount != MaxRetries {
		t.Fatalf("retry count = %d, want %d", run.RetryCount, MaxRetries)
	}
	if !strings.Contains(run.Error, string(domain.GateSecurity)) || !strings.Contains(run.Error, string(domain.GatePerformance)) {
		t.Fatalf("error must name failing gates: %q", run.Error)
	}
	if run.ReceiptID != "" {
		t.Fatal("failed run must not have a receipt")
	}
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	m := buildManifest(t, "expensive work", true)

	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != domain.RunAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", run.Status)
	}
	// phases must not start before approval
	if _, err := env.engine.ExecuteFoster(ctx, run.ID); err == nil {
		t.Fatal("foster before approval must fail")
	}
	if _, err := env.engine.ApproveRun(ctx, run.ID, "human"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// double approval is an error, not a no-op
	if _, err := env.engine.ApproveRun(ctx, run.ID, "human"); err == nil {
		t.Fatal("second approval must fail")
	}
}

func TestRejectRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	m := buildManifest(t, "work to be declined", true)

	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run, err = env.engine.RejectRun(ctx, run.ID, "  not this sprint  ", "human")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Error != "  not this sprint  " {
		t.Fatalf("reason must be recorded verbatim, got %q", run.Error)
	}
	// rejecting a terminal run is an error
	if _, err := env.engine.RejectRun(ctx, run.ID, "again", "human"); err == nil {
		t.Fatal("rejecting a failed run must error")
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	m := buildManifest(t, "pausable work", false)

	run, err := env.engine.StartRun(ctx, m)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// pending is not in flight yet
	if _, err := env.engine.PauseRun(ctx, run.ID, "human"); err == nil {
		t.Fatal("pausing a pending run must error")
	}
	if _, err := env.engine.ApproveRun(ctx, run.ID, "human"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.ExecuteFoster(ctx, run.ID); err != nil {
		t.Fatalf("foster: %v", err)
	}

	run, err = env.engine.PauseRun(ctx, run.ID, "human")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if run.Status != domain.RunPaused || run.FrozenFrom != domain.RunFosterComplete {
		t.Fatalf("paused run: status=%s frozen_from=%s", run.Status, run.FrozenFrom)
	}
	// no phase runs while paused
	if _, err := env.engine.ExecuteDevelop(ctx, run.ID); err == nil {
		t.Fatal("develop while paused must fail")
	}

	run, err = env.engine.ResumeRun(ctx, run.ID, "human")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if run.Status != domain.RunFosterComplete || run.FrozenFrom != "" {
		t.Fatalf("resume must restore prior status, got %s", run.Status)
	}
	// and the pipeline continues from where it left off
	if _, err := env.engine.ExecuteDevelop(ctx, run.ID); err != nil {
		t.Fatalf("develop after resume: %v", err)
	}
}

func TestMarkStalled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	m := buildManifest(t, "stuck work", false)

	run, _ := env.engine.StartRun(ctx, m)
	if _, err := env.engine.MarkStalled(ctx, run.ID); err == nil {
		t.Fatal("pending run cannot stall")
	}
	if _, err := env.engine.ApproveRun(ctx, run.ID, "t"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.ExecuteFoster(ctx, run.ID); err != nil {
		t.Fatalf("foster: %v", err)
	}
	run, err := env.engine.MarkStalled(ctx, run.ID)
	if err != nil {
		t.Fatalf("stall: %v", err)
	}
	if run.Status != domain.RunStalled || run.FrozenFrom != domain.RunFosterComplete {
		t.Fatalf("stalled run: %+v", run)
	}
	run, err = env.engine.ResumeRun(ctx, run.ID, "human")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if run.Status != domain.RunFosterComplete {
		t.Fatalf("resume from stall: status=%s", run.Status)
	}
}

func TestExecutorFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.Executor = failingExecutor{}
	ctx := context.Background()
	m := buildManifest(t, "doomed work", false)

	run, _ := env.engine.StartRun(ctx, m)
	if _, err := env.engine.ApproveRun(ctx, run.ID, "t"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.ExecuteFoster(ctx, run.ID); err != nil {
		t.Fatalf("foster: %v", err)
	}
	if _, err := env.engine.ExecuteDevelop(ctx, run.ID); err == nil {
		t.Fatal("expected develop error")
	}
	run, err := env.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "executor unavailable") {
		t.Fatalf("error not recorded: %q", run.Error)
	}
	// infrastructure failures never consume retries
	if run.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", run.RetryCount)
	}
}

func TestCompletedHistoryPruned(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		m := buildManifest(t, "history entry "+strings.Repeat("x", i+1), false)
		run, err := env.engine.StartRun(ctx, m)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if _, err := env.engine.ApproveRun(ctx, run.ID, "t"); err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		run = drive(t, env, run.ID)
		if run.Status != domain.RunHoneComplete {
			t.Fatalf("run %d stopped at %s", i, run.Status)
		}
		if _, err := env.engine.CompleteRun(ctx, run.ID); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		ids[run.ID] = true
	}
	completed, err := env.store.RecentCompleted(ctx, 10)
	if err != nil {
		t.Fatalf("recent completed: %v", err)
	}
	if len(completed) != 3 {
		t.Fatalf("expected 3 completed under the cap, got %d", len(completed))
	}
	for _, run := range completed {
		if !ids[run.ID] {
			t.Fatalf("unexpected run %s in history", run.ID)
		}
	}
}
