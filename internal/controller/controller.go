// Package controller is the always-on admission and scheduling layer. It
// gates inbound events against the live policy, drives the pipeline
// synchronously for admitted work, drains the durable queue as capacity
// frees up, and marks runs that stop making progress as stalled.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/events"
	"github.com/BoomerAng9/AIMS-sub004/internal/manifest"
	"github.com/BoomerAng9/AIMS-sub004/internal/pipeline"
	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
)

// SpendPeriod is the monthly budget bucket format.
const SpendPeriod = "2006-01"

type Controller struct {
	Store    repo.Store
	Events   events.Writer
	Builder  manifest.Builder
	Pipeline *pipeline.Engine
	Log      zerolog.Logger
	Now      func() time.Time

	// DefaultPolicy seeds the store on first use when no policy row exists.
	DefaultPolicy domain.Policy

	mu sync.Mutex
}

// Decision classifies the outcome of one ingest attempt.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionQueued   Decision = "queued"
	DecisionRejected Decision = "rejected"
)

// Outcome reports what the controller did with one event.
type Outcome struct {
	Decision Decision         `json:"decision"`
	Reason   string           `json:"reason,omitempty"`
	Run      *domain.Run      `json:"run,omitempty"`
	Manifest *domain.Manifest `json:"manifest,omitempty"`
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Policy returns the live policy, seeding the store with the default on
// first read. The latest stored value always wins; nothing caches it.
func (c *Controller) Policy(ctx context.Context) (domain.Policy, error) {
	pol, err := c.Store.GetPolicy(ctx)
	if err == repo.ErrNotFound {
		pol = c.DefaultPolicy
		if err := c.Store.SavePolicy(ctx, pol); err != nil {
			return pol, err
		}
		return pol, nil
	}
	return pol, err
}

// SetPolicy replaces the stored policy wholesale.
func (c *Controller) SetPolicy(ctx context.Context, pol domain.Policy, actorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := validatePolicy(pol); err != nil {
		return err
	}
	if err := c.Store.SavePolicy(ctx, pol); err != nil {
		return err
	}
	return c.Events.Append(ctx, "policy.updated", "policy", "", actorID, events.EventPayload{
		"enabled":             pol.Enabled,
		"max_concurrent_runs": pol.MaxConcurrentRuns,
	})
}

// PolicyPatch carries partial policy updates; nil fields keep their
// current value.
type PolicyPatch struct {
	Enabled                 *bool                  `json:"enabled,omitempty"`
	AutoApproveThresholdUSD *float64               `json:"auto_approve_threshold_usd,omitempty"`
	MaxConcurrentRuns       *int                   `json:"max_concurrent_runs,omitempty"`
	OperatingHours          *domain.OperatingHours `json:"operating_hours,omitempty"`
	CustomHoursStart        *int                   `json:"custom_hours_start,omitempty"`
	CustomHoursEnd          *int                   `json:"custom_hours_end,omitempty"`
	StallTimeoutMinutes     *int                   `json:"stall_timeout_minutes,omitempty"`
	MonthlyBudgetCapUSD     *float64               `json:"monthly_budget_cap_usd,omitempty"`
	AllowedSources          []domain.Source        `json:"allowed_sources,omitempty"`
	AutoWireEnabled         *bool                  `json:"auto_wire_enabled,omitempty"`
}

// PatchPolicy applies a partial update on top of the current policy.
func (c *Controller) PatchPolicy(ctx context.Context, patch PolicyPatch, actorID string) (domain.Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pol, err := c.Policy(ctx)
	if err != nil {
		return pol, err
	}
	if patch.Enabled != nil {
		pol.Enabled = *patch.Enabled
	}
	if patch.AutoApproveThresholdUSD != nil {
		pol.AutoApproveThresholdUSD = *patch.AutoApproveThresholdUSD
	}
	if patch.MaxConcurrentRuns != nil {
		pol.MaxConcurrentRuns = *patch.MaxConcurrentRuns
	}
	if patch.OperatingHours != nil {
		pol.OperatingHours = *patch.OperatingHours
	}
	if patch.CustomHoursStart != nil {
		pol.CustomHoursStart = *patch.CustomHoursStart
	}
	if patch.CustomHoursEnd != nil {
		pol.CustomHoursEnd = *patch.CustomHoursEnd
	}
	if patch.StallTimeoutMinutes != nil {
		pol.StallTimeoutMinutes = *patch.StallTimeoutMinutes
	}
	if patch.MonthlyBudgetCapUSD != nil {
		pol.MonthlyBudgetCapUSD = *patch.MonthlyBudgetCapUSD
	}
	if patch.AllowedSources != nil {
		pol.AllowedSources = patch.AllowedSources
	}
	if patch.AutoWireEnabled != nil {
		pol.AutoWireEnabled = *patch.AutoWireEnabled
	}
	if err := validatePolicy(pol); err != nil {
		return pol, err
	}
	if err := c.Store.SavePolicy(ctx, pol); err != nil {
		return pol, err
	}
	if err := c.Events.Append(ctx, "policy.updated", "policy", "", actorID, events.EventPayload{"patched": true}); err != nil {
		return pol, err
	}
	return pol, nil
}

func validatePolicy(pol domain.Policy) error {
	if pol.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1")
	}
	if pol.MonthlyBudgetCapUSD <= 0 {
		return fmt.Errorf("monthly_budget_cap_usd must be positive")
	}
	switch pol.OperatingHours {
	case domain.HoursAlways, domain.HoursBusiness:
	case domain.HoursCustom:
		if pol.CustomHoursStart < 0 || pol.CustomHoursStart > 23 || pol.CustomHoursEnd < 0 || pol.CustomHoursEnd > 23 {
			return fmt.Errorf("custom hours must be within 0..23")
		}
	default:
		return fmt.Errorf("unknown operating_hours %q", pol.OperatingHours)
	}
	for _, src := range pol.AllowedSources {
		known := false
		for _, s := range domain.KnownSources() {
			if s == src {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("unknown source %q in allowed_sources", src)
		}
	}
	return nil
}

// IngestEvent applies the admission checks in fixed order: automation
// toggle, source allow-list, operating hours, budget cap, concurrency.
// The first queue-or-reject condition wins; admitted events run the
// pipeline synchronously before the call returns.
func (c *Controller) IngestEvent(ctx context.Context, evt domain.Event, actorID string) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingestLocked(ctx, evt, actorID)
}

func (c *Controller) ingestLocked(ctx context.Context, evt domain.Event, actorID string) (Outcome, error) {
	pol, err := c.Policy(ctx)
	if err != nil {
		return Outcome{}, err
	}
	now := c.now()

	if !pol.Enabled {
		return c.reject(ctx, evt, actorID, "automation is paused")
	}
	if !pol.SourceAllowed(evt.Source) {
		return c.reject(ctx, evt, actorID, fmt.Sprintf("source %s is not allowed by policy", evt.Source))
	}
	if !withinOperatingHours(pol, now) {
		return c.queue(ctx, evt, actorID, "outside operating hours")
	}
	spend, err := c.Store.SpendFor(ctx, now.UTC().Format(SpendPeriod))
	if err != nil {
		return Outcome{}, err
	}
	if spend >= pol.MonthlyBudgetCapUSD {
		return c.reject(ctx, evt, actorID, fmt.Sprintf("monthly budget cap $%.2f reached", pol.MonthlyBudgetCapUSD))
	}
	active, err := c.Store.CountActiveRuns(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if active >= pol.MaxConcurrentRuns {
		return c.queue(ctx, evt, actorID, "max concurrent runs reached")
	}
	return c.admit(ctx, evt, pol, actorID)
}

func (c *Controller) reject(ctx context.Context, evt domain.Event, actorID, reason string) (Outcome, error) {
	c.Log.Info().Str("event_id", evt.ID).Str("source", string(evt.Source)).Str("reason", reason).Msg("event rejected")
	if err := c.Events.Append(ctx, "event.rejected", "event", evt.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: DecisionRejected, Reason: reason}, nil
}

func (c *Controller) queue(ctx context.Context, evt domain.Event, actorID, reason string) (Outcome, error) {
	if err := c.Store.EnqueueEvent(ctx, evt); err != nil {
		return Outcome{}, err
	}
	c.Log.Info().Str("event_id", evt.ID).Str("reason", reason).Msg("event queued")
	if err := c.Events.Append(ctx, "event.queued", "event", evt.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: DecisionQueued, Reason: reason}, nil
}

// admit builds the manifest, starts the run, and either parks it for
// approval or drives it to a terminal phase before returning.
func (c *Controller) admit(ctx context.Context, evt domain.Event, pol domain.Policy, actorID string) (Outcome, error) {
	if err := c.ensureChamber(ctx, &evt); err != nil {
		return Outcome{}, err
	}
	m, err := c.Builder.Build(ctx, evt, pol)
	if err != nil {
		return c.reject(ctx, evt, actorID, err.Error())
	}
	run, err := c.Pipeline.StartRun(ctx, m)
	if err != nil {
		return Outcome{}, err
	}
	if run.Status == domain.RunAwaitingApproval {
		c.Log.Info().Str("run_id", run.ID).Float64("estimated_usd", m.CostEstimate.TotalUSD).Msg("run awaiting approval")
		return Outcome{Decision: DecisionAccepted, Reason: "awaiting approval", Run: &run, Manifest: &m}, nil
	}
	run, err = c.Pipeline.ApproveRun(ctx, run.ID, "controller")
	if err != nil {
		return Outcome{}, err
	}
	run, err = c.runPipeline(ctx, run.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: DecisionAccepted, Run: &run, Manifest: &m}, nil
}

// ensureChamber resolves the event's chamber, creating one lazily keyed
// by owner when the event names none.
func (c *Controller) ensureChamber(ctx context.Context, evt *domain.Event) error {
	if evt.ChamberID == "" {
		owner := evt.OwnerID
		if owner == "" {
			owner = "default"
		}
		evt.ChamberID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("chamber|"+owner)).String()
	}
	_, err := c.Store.GetChamber(ctx, evt.ChamberID)
	if err == nil {
		return nil
	}
	if err != repo.ErrNotFound {
		return err
	}
	ch := domain.Chamber{
		ID:             evt.ChamberID,
		OwnerID:        evt.OwnerID,
		Status:         domain.ChamberActive,
		PollIntervalMS: domain.PollIntervalFor(domain.ChamberActive),
		CreatedAt:      c.now().UTC(),
	}
	if err := c.Store.InsertChamber(ctx, ch); err != nil {
		return err
	}
	return c.Events.Append(ctx, "chamber.created", "chamber", ch.ID, "controller", events.EventPayload{"owner_id": ch.OwnerID})
}

// runPipeline executes phases until the run parks or terminates. Hone
// failures cycle back to Develop until retries run out.
func (c *Controller) runPipeline(ctx context.Context, runID string) (domain.Run, error) {
	run, err := c.Pipeline.ExecuteFoster(ctx, runID)
	if err != nil {
		return c.runAfterFailure(ctx, runID, err)
	}
	for {
		run, err = c.Pipeline.ExecuteDevelop(ctx, runID)
		if err != nil {
			return c.runAfterFailure(ctx, runID, err)
		}
		run, _, err = c.Pipeline.ExecuteHone(ctx, runID)
		if err != nil {
			return c.runAfterFailure(ctx, runID, err)
		}
		switch run.Status {
		case domain.RunDeveloping:
			continue
		case domain.RunHoneComplete:
			run, err = c.Pipeline.CompleteRun(ctx, runID)
			if err != nil {
				return run, err
			}
			if err := c.recordCompletion(ctx, run); err != nil {
				return run, err
			}
			return run, nil
		default:
			return run, nil
		}
	}
}

// runAfterFailure reloads the terminal run so callers see the recorded
// error instead of only the Go error.
func (c *Controller) runAfterFailure(ctx context.Context, runID string, cause error) (domain.Run, error) {
	c.Log.Error().Err(cause).Str("run_id", runID).Msg("pipeline failed")
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	return run, nil
}

// recordCompletion books actual spend into the monthly bucket and the
// run's chamber. Spend counts on terminal completion, not as phases run.
func (c *Controller) recordCompletion(ctx context.Context, run domain.Run) error {
	period := c.now().UTC().Format(SpendPeriod)
	if err := c.Store.AddSpend(ctx, period, run.CostActual.TotalUSD); err != nil {
		return err
	}
	if run.Manifest.ChamberID != "" {
		if err := c.Store.RecordChamberCompletion(ctx, run.Manifest.ChamberID, run.CostActual.TotalUSD); err != nil {
			return err
		}
	}
	return nil
}

// ApproveRun releases an approval-gated run and drives it synchronously.
func (c *Controller) ApproveRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, err := c.Pipeline.ApproveRun(ctx, runID, actorID)
	if err != nil {
		return run, err
	}
	return c.runPipeline(ctx, runID)
}

// PollOnce is one cycle of the background loop: mark stalled runs, then
// drain queued events while capacity allows. Queue order is FIFO; a
// drained event that no longer passes policy is dropped with an audit
// entry rather than requeued ahead of newer work.
func (c *Controller) PollOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pol, err := c.Policy(ctx)
	if err != nil {
		return err
	}
	if err := c.markStalled(ctx, pol); err != nil {
		return err
	}
	return c.drainQueue(ctx, pol)
}

func (c *Controller) markStalled(ctx context.Context, pol domain.Policy) error {
	if pol.StallTimeoutMinutes <= 0 {
		return nil
	}
	cutoff := c.now().Add(-time.Duration(pol.StallTimeoutMinutes) * time.Minute)
	active, err := c.Store.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range active {
		if !run.Status.InFlight() || !run.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := c.Pipeline.MarkStalled(ctx, run.ID); err != nil {
			return err
		}
		c.Log.Warn().Str("run_id", run.ID).Time("updated_at", run.UpdatedAt).Msg("run stalled")
	}
	return nil
}

func (c *Controller) drainQueue(ctx context.Context, pol domain.Policy) error {
	if !pol.Enabled {
		return nil
	}
	now := c.now()
	if !withinOperatingHours(pol, now) {
		return nil
	}
	for {
		spend, err := c.Store.SpendFor(ctx, now.UTC().Format(SpendPeriod))
		if err != nil {
			return err
		}
		if spend >= pol.MonthlyBudgetCapUSD {
			return nil
		}
		active, err := c.Store.CountActiveRuns(ctx)
		if err != nil {
			return err
		}
		if active >= pol.MaxConcurrentRuns {
			return nil
		}
		evt, ok, err := c.Store.DequeueEvent(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !pol.SourceAllowed(evt.Source) {
			if _, err := c.reject(ctx, evt, "controller", fmt.Sprintf("source %s is not allowed by policy", evt.Source)); err != nil {
				return err
			}
			continue
		}
		if _, err := c.admit(ctx, evt, pol, "controller"); err != nil {
			return err
		}
	}
}

// RecentCompletionsShown caps the completions included in the aggregate
// status view.
const RecentCompletionsShown = 5

// CompletionSummary is one recently completed run with its receipt score.
type CompletionSummary struct {
	RunID       string    `json:"run_id"`
	GateScore   int       `json:"gate_score"`
	CompletedAt time.Time `json:"completed_at"`
}

// Status is the aggregate controller view.
type Status struct {
	Enabled           bool                `json:"enabled"`
	ActiveRuns        int                 `json:"active_runs"`
	MaxConcurrent     int                 `json:"max_concurrent_runs"`
	PendingApproval   int                 `json:"pending_approval"`
	QueueDepth        int                 `json:"queue_depth"`
	MonthlySpendUSD   float64             `json:"monthly_spend_usd"`
	BudgetCapUSD      float64             `json:"monthly_budget_cap_usd"`
	SpendPeriod       string              `json:"spend_period"`
	Chambers          int                 `json:"chambers"`
	WithinHours       bool                `json:"within_operating_hours"`
	RecentCompletions []CompletionSummary `json:"recent_completions"`
}

func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	pol, err := c.Policy(ctx)
	if err != nil {
		return Status{}, err
	}
	now := c.now()
	period := now.UTC().Format(SpendPeriod)
	spend, err := c.Store.SpendFor(ctx, period)
	if err != nil {
		return Status{}, err
	}
	active, err := c.Store.CountActiveRuns(ctx)
	if err != nil {
		return Status{}, err
	}
	depth, err := c.Store.QueueDepth(ctx)
	if err != nil {
		return Status{}, err
	}
	chambers, err := c.Store.ListChambers(ctx)
	if err != nil {
		return Status{}, err
	}
	awaiting, err := c.Store.ListRuns(ctx, repo.RunFilters{Status: domain.RunAwaitingApproval})
	if err != nil {
		return Status{}, err
	}
	recent, err := c.recentCompletions(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Enabled:           pol.Enabled,
		ActiveRuns:        active,
		MaxConcurrent:     pol.MaxConcurrentRuns,
		PendingApproval:   len(awaiting),
		QueueDepth:        depth,
		MonthlySpendUSD:   spend,
		BudgetCapUSD:      pol.MonthlyBudgetCapUSD,
		SpendPeriod:       period,
		Chambers:          len(chambers),
		WithinHours:       withinOperatingHours(pol, now),
		RecentCompletions: recent,
	}, nil
}

func (c *Controller) recentCompletions(ctx context.Context) ([]CompletionSummary, error) {
	runs, err := c.Store.RecentCompleted(ctx, RecentCompletionsShown)
	if err != nil {
		return nil, err
	}
	out := make([]CompletionSummary, 0, len(runs))
	for _, run := range runs {
		rec, err := c.Store.GetReceiptByRun(ctx, run.ID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s := CompletionSummary{RunID: run.ID, GateScore: rec.GateScore}
		if run.CompletedAt != nil {
			s.CompletedAt = *run.CompletedAt
		}
		out = append(out, s)
	}
	return out, nil
}

// SetChamberStatus changes a chamber's poll cadence bucket.
func (c *Controller) SetChamberStatus(ctx context.Context, id string, status domain.ChamberStatus, actorID string) (domain.Chamber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch status {
	case domain.ChamberActive, domain.ChamberWatching, domain.ChamberPaused, domain.ChamberCompleted:
	default:
		return domain.Chamber{}, fmt.Errorf("unknown chamber status %q", status)
	}
	if err := c.Store.SetChamberStatus(ctx, id, status); err != nil {
		return domain.Chamber{}, err
	}
	if err := c.Events.Append(ctx, "chamber.status_changed", "chamber", id, actorID, events.EventPayload{"status": string(status)}); err != nil {
		return domain.Chamber{}, err
	}
	return c.Store.GetChamber(ctx, id)
}

// Start runs the poll loop until ctx is cancelled.
func (c *Controller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Log.Info().Dur("interval", interval).Msg("controller loop started")
	for {
		select {
		case <-ctx.Done():
			c.Log.Info().Msg("controller loop stopped")
			return
		case <-ticker.C:
			if err := c.PollOnce(ctx); err != nil {
				c.Log.Error().Err(err).Msg("poll cycle failed")
			}
		}
	}
}

// withinOperatingHours evaluates the policy's schedule against local time.
// Business hours are Monday through Friday, 09:00 to 17:00. Custom hours
// wrap past midnight when start is after end.
func withinOperatingHours(pol domain.Policy, now time.Time) bool {
	switch pol.OperatingHours {
	case domain.HoursBusiness:
		wd := now.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		return now.Hour() >= 9 && now.Hour() < 17
	case domain.HoursCustom:
		h := now.Hour()
		if pol.CustomHoursStart == pol.CustomHoursEnd {
			return true
		}
		if pol.CustomHoursStart < pol.CustomHoursEnd {
			return h >= pol.CustomHoursStart && h < pol.CustomHoursEnd
		}
		return h >= pol.CustomHoursStart || h < pol.CustomHoursEnd
	default:
		return true
	}
}
