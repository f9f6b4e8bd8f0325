package domain

import "time"

// Source identifies the upstream system that produced an Event.
type Source string

const (
	SourceGitHub   Source = "github"
	SourceTicket   Source = "ticket"
	SourceManual   Source = "manual"
	SourceSchedule Source = "schedule"
	SourceMonitor  Source = "monitor"
)

// KnownSources lists every valid event source.
func KnownSources() []Source {
	return []Source{SourceGitHub, SourceTicket, SourceManual, SourceSchedule, SourceMonitor}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is an immutable fact from an upstream source. Re-delivery of the
// same id is the caller's concern; the controller consumes each exactly once.
type Event struct {
	ID        string         `json:"id"`
	Source    Source         `json:"source" enum:"github,ticket,manual,schedule,monitor"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	ChamberID string         `json:"chamber_id,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority" enum:"low,normal,high,critical"`
}

type OperatingHours string

const (
	HoursAlways   OperatingHours = "always"
	HoursBusiness OperatingHours = "business"
	HoursCustom   OperatingHours = "custom"
)

// Policy is the process-wide controller configuration. The latest value
// always applies; it is read on every ingest and never versioned.
type Policy struct {
	Enabled                 bool           `json:"enabled"`
	AutoApproveThresholdUSD float64        `json:"auto_approve_threshold_usd"`
	MaxConcurrentRuns       int            `json:"max_concurrent_runs"`
	OperatingHours          OperatingHours `json:"operating_hours" enum:"always,business,custom"`
	CustomHoursStart        int            `json:"custom_hours_start,omitempty"`
	CustomHoursEnd          int            `json:"custom_hours_end,omitempty"`
	StallTimeoutMinutes     int            `json:"stall_timeout_minutes"`
	MonthlyBudgetCapUSD     float64        `json:"monthly_budget_cap_usd"`
	AllowedSources          []Source       `json:"allowed_sources,omitempty"`
	AutoWireEnabled         bool           `json:"auto_wire_enabled"`
	HealthRemediationMode   string         `json:"health_remediation_mode,omitempty"`
}

// SourceAllowed reports whether the policy admits events from src.
// An empty AllowedSources list means all sources are admitted.
func (p Policy) SourceAllowed(src Source) bool {
	if len(p.AllowedSources) == 0 {
		return true
	}
	for _, s := range p.AllowedSources {
		if s == src {
			return true
		}
	}
	return false
}

type CostEstimate struct {
	TotalTokens int     `json:"total_tokens"`
	TotalUSD    float64 `json:"total_usd"`
	DiscountPct float64 `json:"discount_pct"`
}

type CostActual struct {
	TotalTokens int     `json:"total_tokens"`
	TotalUSD    float64 `json:"total_usd"`
}

type Phase string

const (
	PhaseFoster  Phase = "foster"
	PhaseDevelop Phase = "develop"
	PhaseHone    Phase = "hone"
)

// PhasePlan is the per-phase slice of a manifest's execution plan.
type PhasePlan struct {
	Steps           []string `json:"steps"`
	EstimatedTokens int      `json:"estimated_tokens"`
	Executors       []string `json:"executors,omitempty"`
}

// Plan is the fixed three-phase structure. Foster always precedes Develop,
// Develop always precedes Hone.
type Plan struct {
	Foster  PhasePlan `json:"foster"`
	Develop PhasePlan `json:"develop"`
	Hone    PhasePlan `json:"hone"`
}

// Manifest is the immutable costed execution plan derived from one Event
// and the Policy snapshot at creation time.
type Manifest struct {
	ID               string         `json:"id"`
	TriggerEventID   string         `json:"trigger_event_id"`
	TriggerSource    Source         `json:"trigger_source"`
	ChamberID        string         `json:"chamber_id,omitempty"`
	OwnerID          string         `json:"owner_id,omitempty"`
	Scope            string         `json:"scope"`
	Constraints      []string       `json:"constraints,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Risks            []string       `json:"risks,omitempty"`
	Plan             Plan           `json:"plan"`
	CostEstimate     CostEstimate   `json:"cost_estimate"`
	ApprovalRequired bool           `json:"approval_required"`
	Priority         Priority       `json:"priority"`
	Trigger          map[string]any `json:"trigger,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunApproved         RunStatus = "approved"
	RunFostering        RunStatus = "fostering"
	RunFosterComplete   RunStatus = "foster_complete"
	RunDeveloping       RunStatus = "developing"
	RunDevelopComplete  RunStatus = "develop_complete"
	RunHoning           RunStatus = "honing"
	RunHoneComplete     RunStatus = "hone_complete"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunPaused           RunStatus = "paused"
	RunStalled          RunStatus = "stalled"
)

// Terminal reports whether the status releases the run's concurrency slot.
// Paused and stalled runs keep their slot on purpose: a stuck run throttles
// new admissions instead of being silently abandoned.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// InFlight reports whether the run has started phase execution and is
// neither terminal nor frozen.
func (s RunStatus) InFlight() bool {
	switch s {
	case RunApproved, RunFostering, RunFosterComplete, RunDeveloping,
		RunDevelopComplete, RunHoning, RunHoneComplete:
		return true
	}
	return false
}

type ArtifactKind string

const (
	ArtifactCode        ArtifactKind = "code"
	ArtifactConfig      ArtifactKind = "config"
	ArtifactWorkflow    ArtifactKind = "workflow"
	ArtifactIntegration ArtifactKind = "integration"
	ArtifactTest        ArtifactKind = "test"
)

// Artifact is one produced output, identified by a content hash.
type Artifact struct {
	Type ArtifactKind `json:"type"`
	Path string       `json:"path"`
	Hash string       `json:"hash"`
}

// FosterResult is the requirements snapshot assembled during Foster.
type FosterResult struct {
	Patterns     []string       `json:"patterns,omitempty"`
	Relevance    float64        `json:"relevance"`
	Scope        string         `json:"scope"`
	Constraints  []string       `json:"constraints,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Risks        []string       `json:"risks,omitempty"`
	Trigger      map[string]any `json:"trigger,omitempty"`
	Tokens       int            `json:"tokens"`
}

// Wave records one fixed-size batch of Develop steps.
type Wave struct {
	Number int      `json:"number"`
	Steps  []string `json:"steps"`
}

type DevelopResult struct {
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Waves     []Wave     `json:"waves,omitempty"`
	Tokens    int        `json:"tokens"`
}

type GateKind string

const (
	GateCodeQuality    GateKind = "code_quality"
	GateTestPresence   GateKind = "test_presence"
	GateSecurity       GateKind = "security"
	GatePerformance    GateKind = "performance"
	GateAccessibility  GateKind = "accessibility"
	GateResponsiveness GateKind = "responsiveness"
	GateBrand          GateKind = "brand_compliance"
	GateCostAccuracy   GateKind = "cost_accuracy"
)

// AllGates returns the fixed, ordered verification checklist run during Hone.
func AllGates() []GateKind {
	return []GateKind{
		GateCodeQuality,
		GateTestPresence,
		GateSecurity,
		GatePerformance,
		GateAccessibility,
		GateResponsiveness,
		GateBrand,
		GateCostAccuracy,
	}
}

type GateResult struct {
	Gate     GateKind       `json:"gate"`
	Passed   bool           `json:"passed"`
	Score    int            `json:"score,omitempty"`
	Evidence string         `json:"evidence"`
	Details  map[string]any `json:"details,omitempty"`
}

type HoneResult struct {
	Gates []GateResult `json:"gates"`
	// GateScore counts passed gates out of the fixed checklist.
	GateScore    int     `json:"gate_score"`
	AllPassed    bool    `json:"all_passed"`
	CostVariance float64 `json:"cost_variance"`
	Tokens       int     `json:"tokens"`
}

// PhaseResults holds the latest result per phase. A cycle-back retry
// overwrites Develop and Hone; Foster is executed once per run.
type PhaseResults struct {
	Foster  *FosterResult  `json:"foster,omitempty"`
	Develop *DevelopResult `json:"develop,omitempty"`
	Hone    *HoneResult    `json:"hone,omitempty"`
}

// Run is the mutable execution record bound 1:1 to a Manifest.
type Run struct {
	ID           string       `json:"id"`
	ManifestID   string       `json:"manifest_id"`
	Manifest     Manifest     `json:"manifest"`
	Status       RunStatus    `json:"status"`
	CurrentPhase Phase        `json:"current_phase,omitempty"`
	Phases       PhaseResults `json:"phase_results"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	CostActual   CostActual   `json:"cost_actual"`
	// FrozenFrom remembers the status a paused or stalled run left, so
	// resume can restore it without repeating a completed phase.
	FrozenFrom  RunStatus  `json:"frozen_from,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReceiptID   string     `json:"receipt_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type ChamberStatus string

const (
	ChamberActive    ChamberStatus = "active"
	ChamberWatching  ChamberStatus = "watching"
	ChamberPaused    ChamberStatus = "paused"
	ChamberCompleted ChamberStatus = "completed"
)

// Poll cadence per chamber status, in milliseconds. Paused means no polling.
const (
	PollIntervalActiveMS   = 15000
	PollIntervalWatchingMS = 60000
	PollIntervalPausedMS   = 0
)

// PollIntervalFor maps a chamber status to its poll cadence.
func PollIntervalFor(s ChamberStatus) int {
	switch s {
	case ChamberActive:
		return PollIntervalActiveMS
	case ChamberWatching:
		return PollIntervalWatchingMS
	default:
		return PollIntervalPausedMS
	}
}

// Chamber groups runs under one owner. Created lazily on first reference,
// never deleted, only marked completed.
type Chamber struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id,omitempty"`
	Status            ChamberStatus `json:"status" enum:"active,watching,paused,completed"`
	PollIntervalMS    int           `json:"poll_interval_ms"`
	ActiveRunIDs      []string      `json:"active_run_ids,omitempty"`
	CompletedRunCount int           `json:"completed_run_count"`
	TotalSpendUSD     float64       `json:"total_spend_usd"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Receipt is the immutable proof of a verified run. Sealed exactly once,
// when all gates pass; only DeployApproved may change afterwards, by a
// separately authorized action.
type Receipt struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	GateScore      int        `json:"gate_score"`
	GatesPassed    []GateKind `json:"gates_passed"`
	GatesFailed    []GateKind `json:"gates_failed"`
	Artifacts      []Artifact `json:"artifacts,omitempty"`
	CostActual     CostActual `json:"cost_actual"`
	SealedAt       time.Time  `json:"sealed_at"`
	SealedBy       string     `json:"sealed_by"`
	DeployApproved bool       `json:"deploy_approved"`
}
