// Package pipeline owns the Run lifecycle: the status state machine, the
// fixed Foster -> Develop -> Hone execution, retry-vs-fail on verification
// failure, and sealing a Receipt on success. The caller sequences phases;
// no phase triggers the next one itself.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/events"
	"github.com/BoomerAng9/AIMS-sub004/internal/executor"
	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
	"github.com/BoomerAng9/AIMS-sub004/internal/retrieval"
)

const (
	// MaxRetries bounds verification cycle-backs per run.
	MaxRetries = 3
	// WaveSize is the fixed Develop batch size.
	WaveSize = 3
	// CompletedHistory bounds the completed-run buffer; oldest evicted.
	CompletedHistory = 100
)

type Engine struct {
	Store     repo.Store
	Events    events.Writer
	Retriever retrieval.Retriever
	Executor  executor.Executor
	Verifier  executor.Verifier
	Now       func() time.Time
	SealedBy  string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sealedBy() string {
	if e.SealedBy != "" {
		return e.SealedBy
	}
	return "aims-pipeline"
}

// StartRun persists the manifest and creates its run. Approval-required
// manifests start in awaiting_approval and execute nothing; the rest start
// pending, ready for immediate phase execution.
func (e *Engine) StartRun(ctx context.Context, m domain.Manifest) (domain.Run, error) {
	if err := e.Store.InsertManifest(ctx, m); err != nil {
		return domain.Run{}, fmt.Errorf("insert manifest: %w", err)
	}
	now := e.now().UTC()
	status := domain.RunPending
	if m.ApprovalRequired {
		status = domain.RunAwaitingApproval
	}
	run := domain.Run{
		ID:         uuid.New().String(),
		ManifestID: m.ID,
		Manifest:   m,
		Status:     status,
		RetryCount: 0,
		MaxRetries: MaxRetries,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Store.InsertRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, "run.created", "run", run.ID, e.sealedBy(), events.EventPayload{
		"manifest_id":       m.ID,
		"status":            string(status),
		"approval_required": m.ApprovalRequired,
		"estimated_usd":     m.CostEstimate.TotalUSD,
	}); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func ensureRunTransition(oldStatus, newStatus domain.RunStatus) error {
	allowed := map[domain.RunStatus][]domain.RunStatus{
		domain.RunPending:          {domain.RunApproved, domain.RunFailed},
		domain.RunAwaitingApproval: {domain.RunApproved, domain.RunFailed},
		domain.RunApproved:         {domain.RunFostering},
		domain.RunFostering:        {domain.RunFosterComplete, domain.RunFailed},
		domain.RunFosterComplete:   {domain.RunDeveloping},
		domain.RunDeveloping:       {domain.RunDevelopComplete, domain.RunFailed},
		domain.RunDevelopComplete:  {domain.RunHoning},
		domain.RunHoning:           {domain.RunHoneComplete, domain.RunDeveloping, domain.RunFailed},
		domain.RunHoneComplete:     {domain.RunCompleted},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// ApproveRun moves a pending or awaiting_approval run to approved. Calls
// from any other state are a reported error, not a silent no-op.
func (e *Engine) ApproveRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.RunApproved); err != nil {
		return run, err
	}
	run.Status = domain.RunApproved
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.approved", "run", run.ID, actorID, nil); err != nil {
		return run, err
	}
	return run, nil
}

// RejectRun is valid only before phases start; the human-supplied reason
// is recorded verbatim.
func (e *Engine) RejectRun(ctx context.Context, runID, reason, actorID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunPending && run.Status != domain.RunAwaitingApproval {
		return run, fmt.Errorf("cannot reject run in status %s", run.Status)
	}
	run.Status = domain.RunFailed
	run.Error = reason
	run.UpdatedAt = e.now().UTC()
	completed := run.UpdatedAt
	run.CompletedAt = &completed
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.rejected", "run", run.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return run, err
	}
	return run, nil
}

// PauseRun freezes an in-flight run without losing its current phase.
// It cannot interrupt a phase already executing; it only prevents the
// next transition.
func (e *Engine) PauseRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if !run.Status.InFlight() {
		return run, fmt.Errorf("cannot pause run in status %s", run.Status)
	}
	run.FrozenFrom = run.Status
	run.Status = domain.RunPaused
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.paused", "run", run.ID, actorID, events.EventPayload{"frozen_from": string(run.FrozenFrom)}); err != nil {
		return run, err
	}
	return run, nil
}

// ResumeRun restores a paused or stalled run to the status it froze from.
func (e *Engine) ResumeRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunPaused && run.Status != domain.RunStalled {
		return run, fmt.Errorf("cannot resume run in status %s", run.Status)
	}
	restored := run.FrozenFrom
	if restored == "" {
		restored = statusForPhase(run.CurrentPhase)
	}
	run.Status = restored
	run.FrozenFrom = ""
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.resumed", "run", run.ID, actorID, events.EventPayload{"status": string(restored)}); err != nil {
		return run, err
	}
	return run, nil
}

// MarkStalled freezes an in-flight run that has stopped making progress.
// Stalled is diagnostic, not terminal: the run keeps its concurrency slot
// and waits for a human to resume or reject it.
func (e *Engine) MarkStalled(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if !run.Status.InFlight() {
		return run, fmt.Errorf("cannot stall run in status %s", run.Status)
	}
	run.FrozenFrom = run.Status
	run.Status = domain.RunStalled
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.stalled", "run", run.ID, "controller", events.EventPayload{"frozen_from": string(run.FrozenFrom)}); err != nil {
		return run, err
	}
	return run, nil
}

func statusForPhase(p domain.Phase) domain.RunStatus {
	switch p {
	case domain.PhaseDevelop:
		return domain.RunDeveloping
	case domain.PhaseHone:
		return domain.RunHoning
	default:
		return domain.RunFostering
	}
}

// ExecuteFoster gathers context and assembles the requirements snapshot.
// Foster runs once per run; cycle-back retries do not repeat it, so the
// snapshot stays reproducible across attempts.
func (e *Engine) ExecuteFoster(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.RunFostering); err != nil {
		return run, err
	}
	run.Status = domain.RunFostering
	run.CurrentPhase = domain.PhaseFoster
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	related, err := e.Retriever.Related(ctx, run.Manifest.Scope)
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("foster retrieval: %w", err))
	}
	tokens := run.Manifest.Plan.Foster.EstimatedTokens
	run.Phases.Foster = &domain.FosterResult{
		Patterns:     related.Patterns,
		Relevance:    related.Relevance,
		Scope:        run.Manifest.Scope,
		Constraints:  run.Manifest.Constraints,
		Dependencies: run.Manifest.Dependencies,
		Risks:        run.Manifest.Risks,
		Trigger:      run.Manifest.Trigger,
		Tokens:       tokens,
	}
	e.addCost(&run, tokens)
	run.Status = domain.RunFosterComplete
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "phase.completed", "run", run.ID, e.sealedBy(), events.EventPayload{
		"phase":  string(domain.PhaseFoster),
		"tokens": tokens,
	}); err != nil {
		return run, err
	}
	return run, nil
}

// ExecuteDevelop partitions the Develop steps into fixed-size waves and
// invokes the step executor per step. A cycle-back retry re-enters here
// with status developing.
func (e *Engine) ExecuteDevelop(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunDeveloping {
		if err := ensureRunTransition(run.Status, domain.RunDeveloping); err != nil {
			return run, err
		}
		run.Status = domain.RunDeveloping
	}
	run.CurrentPhase = domain.PhaseDevelop
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	steps := run.Manifest.Plan.Develop.Steps
	result := domain.DevelopResult{}
	reported := 0
	for start := 0; start < len(steps); start += WaveSize {
		end := start + WaveSize
		if end > len(steps) {
			end = len(steps)
		}
		wave := domain.Wave{Number: len(result.Waves) + 1, Steps: steps[start:end]}
		for _, step := range steps[start:end] {
			out, err := e.Executor.Execute(ctx, step, run.Manifest)
			if err != nil {
				return e.failRun(ctx, run, fmt.Errorf("develop step %q: %w", step, err))
			}
			result.Artifacts = append(result.Artifacts, buildArtifact(step, out))
			reported += out.Tokens
		}
		result.Waves = append(result.Waves, wave)
	}
	// executors that do not report usage consume the phase budget
	result.Tokens = reported
	if result.Tokens == 0 {
		result.Tokens = run.Manifest.Plan.Develop.EstimatedTokens
	}
	run.Phases.Develop = &result
	run.Phases.Hone = nil
	e.addCost(&run, result.Tokens)
	run.Status = domain.RunDevelopComplete
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "phase.completed", "run", run.ID, e.sealedBy(), events.EventPayload{
		"phase":     string(domain.PhaseDevelop),
		"artifacts": len(result.Artifacts),
		"waves":     len(result.Waves),
		"tokens":    result.Tokens,
	}); err != nil {
		return run, err
	}
	return run, nil
}

// ExecuteHone runs the fixed gate checklist. All gates passing seals a
// receipt; otherwise the run cycles back to Develop until retries are
// exhausted, at which point the failing gate names become the terminal
// error.
func (e *Engine) ExecuteHone(ctx context.Context, runID string) (domain.Run, domain.HoneResult, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, domain.HoneResult{}, err
	}
	if err := ensureRunTransition(run.Status, domain.RunHoning); err != nil {
		return run, domain.HoneResult{}, err
	}
	run.Status = domain.RunHoning
	run.CurrentPhase = domain.PhaseHone
	run.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, domain.HoneResult{}, err
	}

	result, err := e.evaluateGates(ctx, run)
	if err != nil {
		run, ferr := e.failRun(ctx, run, err)
		return run, result, ferr
	}
	result.Tokens = run.Manifest.Plan.Hone.EstimatedTokens
	run.Phases.Hone = &result
	e.addCost(&run, result.Tokens)

	if result.AllPassed {
		receipt, err := e.sealReceipt(ctx, run, result)
		if err != nil {
			return run, result, err
		}
		run.ReceiptID = receipt.ID
		run.Status = domain.RunHoneComplete
		run.UpdatedAt = e.now().UTC()
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return run, result, err
		}
		return run, result, nil
	}

	failing := failingGates(result)
	if run.RetryCount < run.MaxRetries {
		run.RetryCount++
		run.Status = domain.RunDeveloping
		run.CurrentPhase = domain.PhaseDevelop
		run.UpdatedAt = e.now().UTC()
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return run, result, err
		}
		if err := e.Events.Append(ctx, "run.retry", "run", run.ID, e.sealedBy(), events.EventPayload{
			"retry_count":  run.RetryCount,
			"gates_failed": failing,
		}); err != nil {
			return run, result, err
		}
		return run, result, nil
	}

	run.Status = domain.RunFailed
	run.Error = "verification gates failed: " + strings.Join(failing, ", ")
	run.UpdatedAt = e.now().UTC()
	completed := run.UpdatedAt
	run.CompletedAt = &completed
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, result, err
	}
	if err := e.Events.Append(ctx, "run.failed", "run", run.ID, e.sealedBy(), events.EventPayload{
		"error":        run.Error,
		"retry_count":  run.RetryCount,
		"gates_failed": failing,
	}); err != nil {
		return run, result, err
	}
	return run, result, nil
}

// CompleteRun finalizes a verified run and evicts the oldest completed
// runs beyond the bounded history.
func (e *Engine) CompleteRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.RunCompleted); err != nil {
		return run, err
	}
	run.Status = domain.RunCompleted
	run.UpdatedAt = e.now().UTC()
	completed := run.UpdatedAt
	run.CompletedAt = &completed
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Store.PruneCompletedRuns(ctx, CompletedHistory); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.completed", "run", run.ID, e.sealedBy(), events.EventPayload{
		"cost_usd":    run.CostActual.TotalUSD,
		"cost_tokens": run.CostActual.TotalTokens,
		"receipt_id":  run.ReceiptID,
	}); err != nil {
		return run, err
	}
	return run, nil
}

func (e *Engine) sealReceipt(ctx context.Context, run domain.Run, result domain.HoneResult) (domain.Receipt, error) {
	var passed, failed []domain.GateKind
	for _, g := range result.Gates {
		if g.Passed {
			passed = append(passed, g.Gate)
		} else {
			failed = append(failed, g.Gate)
		}
	}
	var artifacts []domain.Artifact
	if run.Phases.Develop != nil {
		artifacts = run.Phases.Develop.Artifacts
	}
	receipt := domain.Receipt{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		GateScore:   result.GateScore,
		GatesPassed: passed,
		GatesFailed: failed,
		Artifacts:   artifacts,
		CostActual:  run.CostActual,
		SealedAt:    e.now().UTC(),
		SealedBy:    e.sealedBy(),
	}
	if err := e.Store.InsertReceipt(ctx, receipt); err != nil {
		return receipt, fmt.Errorf("seal receipt: %w", err)
	}
	if err := e.Events.Append(ctx, "receipt.sealed", "receipt", receipt.ID, e.sealedBy(), events.EventPayload{
		"run_id":     run.ID,
		"gate_score": receipt.GateScore,
	}); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// failRun records a terminal failure from an executor or collaborator
// error. Retries are reserved for verification-gate failures, never for
// infrastructure errors.
func (e *Engine) failRun(ctx context.Context, run domain.Run, cause error) (domain.Run, error) {
	run.Status = domain.RunFailed
	run.Error = cause.Error()
	run.UpdatedAt = e.now().UTC()
	completed := run.UpdatedAt
	run.CompletedAt = &completed
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, "run.failed", "run", run.ID, e.sealedBy(), events.EventPayload{"error": run.Error}); err != nil {
		return run, err
	}
	return run, cause
}

// addCost accumulates a phase's token spend. Cost only ever grows.
func (e *Engine) addCost(run *domain.Run, tokens int) {
	run.CostActual.TotalTokens += tokens
	est := run.Manifest.CostEstimate
	if est.TotalTokens > 0 {
		run.CostActual.TotalUSD += est.TotalUSD * float64(tokens) / float64(est.TotalTokens)
	}
}

func failingGates(result domain.HoneResult) []string {
	var names []string
	for _, g := range result.Gates {
		if !g.Passed {
			names = append(names, string(g.Gate))
		}
	}
	return names
}

func buildArtifact(step string, out executor.Output) domain.Artifact {
	kind := classifyArtifact(step)
	name := out.Name
	if name == "" {
		name = "artifact"
	}
	return domain.Artifact{
		Type: kind,
		Path: fmt.Sprintf("artifacts/%s/%s", kind, name),
		Hash: contentHash(out.Content),
	}
}

// classifyArtifact buckets a step by keyword heuristics.
func classifyArtifact(step string) domain.ArtifactKind {
	s := strings.ToLower(step)
	switch {
	case strings.Contains(s, "test"):
		return domain.ArtifactTest
	case strings.Contains(s, "integration") || strings.Contains(s, "endpoint") || strings.Contains(s, "wire"):
		return domain.ArtifactIntegration
	case strings.Contains(s, "workflow") || strings.Contains(s, "pipeline") || strings.Contains(s, "deploy"):
		return domain.ArtifactWorkflow
	case strings.Contains(s, "config"):
		return domain.ArtifactConfig
	default:
		return domain.ArtifactCode
	}
}
