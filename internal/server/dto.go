package server

import (
	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

// Request payloads

type IngestEventRequest struct {
	ID        string         `json:"id,omitempty"`
	Source    domain.Source  `json:"source" enum:"github,ticket,manual,schedule,monitor"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	ChamberID string         `json:"chamber_id,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Priority  string         `json:"priority,omitempty" enum:",low,normal,high,critical"`
}

type RejectRunRequest struct {
	Reason string `json:"reason"`
}

type SetChamberStatusRequest struct {
	Status domain.ChamberStatus `json:"status" enum:"active,watching,paused,completed"`
}

type PolicyRequest struct {
	Enabled                 bool                  `json:"enabled"`
	AutoApproveThresholdUSD float64               `json:"auto_approve_threshold_usd"`
	MaxConcurrentRuns       int                   `json:"max_concurrent_runs"`
	OperatingHours          domain.OperatingHours `json:"operating_hours" enum:"always,business,custom"`
	CustomHoursStart        int                   `json:"custom_hours_start,omitempty"`
	CustomHoursEnd          int                   `json:"custom_hours_end,omitempty"`
	StallTimeoutMinutes     int                   `json:"stall_timeout_minutes"`
	MonthlyBudgetCapUSD     float64               `json:"monthly_budget_cap_usd"`
	AllowedSources          []domain.Source       `json:"allowed_sources,omitempty"`
	AutoWireEnabled         bool                  `json:"auto_wire_enabled"`
}

func (r PolicyRequest) toDomain() domain.Policy {
	return domain.Policy{
		Enabled:                 r.Enabled,
		AutoApproveThresholdUSD: r.AutoApproveThresholdUSD,
		MaxConcurrentRuns:       r.MaxConcurrentRuns,
		OperatingHours:          r.OperatingHours,
		CustomHoursStart:        r.CustomHoursStart,
		CustomHoursEnd:          r.CustomHoursEnd,
		StallTimeoutMinutes:     r.StallTimeoutMinutes,
		MonthlyBudgetCapUSD:     r.MonthlyBudgetCapUSD,
		AllowedSources:          r.AllowedSources,
		AutoWireEnabled:         r.AutoWireEnabled,
	}
}

// Response payloads. Domain types carry their own JSON tags; the wrappers
// exist where the response adds fields the domain type does not have.

type RunListResponse struct {
	Items []domain.Run `json:"items"`
}

type ChamberListResponse struct {
	Items []domain.Chamber `json:"items"`
}

type ReceiptListResponse struct {
	Items []domain.Receipt `json:"items"`
}
