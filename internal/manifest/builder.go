// Package manifest turns an inbound Event plus the current Policy into an
// immutable, costed execution manifest.
package manifest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/estimate"
)

// Token split across the fixed three phases. Design constants, not
// configuration.
const (
	FosterWeight  = 0.15
	DevelopWeight = 0.65
	HoneWeight    = 0.20
)

type Builder struct {
	Estimator estimate.Estimator
	Now       func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build derives a Manifest from one event and the policy snapshot. It has
// no side effects and does not create a run.
func (b Builder) Build(ctx context.Context, evt domain.Event, pol domain.Policy) (domain.Manifest, error) {
	if evt.ID == "" {
		return domain.Manifest{}, fmt.Errorf("event id is required")
	}
	if !knownSource(evt.Source) {
		return domain.Manifest{}, fmt.Errorf("unknown event source %s", evt.Source)
	}
	scope := deriveScope(evt)
	plan := planFor(evt.Source)
	est, err := b.Estimator.Estimate(ctx, scope, plan.Develop.Executors)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("cost estimate: %w", err)
	}
	plan.Foster.EstimatedTokens = int(float64(est.TotalTokens) * FosterWeight)
	plan.Develop.EstimatedTokens = int(float64(est.TotalTokens) * DevelopWeight)
	plan.Hone.EstimatedTokens = est.TotalTokens - plan.Foster.EstimatedTokens - plan.Develop.EstimatedTokens

	now := b.now().UTC()
	m := domain.Manifest{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte("manifest|"+evt.ID)).String(),
		TriggerEventID: evt.ID,
		TriggerSource:  evt.Source,
		ChamberID:      evt.ChamberID,
		OwnerID:        evt.OwnerID,
		Scope:          scope,
		Constraints:    deriveConstraints(evt, pol),
		Dependencies:   stringList(evt.Payload, "dependencies"),
		Risks:          stringList(evt.Payload, "risks"),
		Plan:           plan,
		CostEstimate:   est,
		Priority:       priorityOrDefault(evt.Priority),
		Trigger:        evt.Payload,
		CreatedAt:      now,
	}
	m.ApprovalRequired = approvalRequired(evt, est, pol)
	return m, nil
}

// deriveScope never returns empty: explicit scope field, then a
// message-like field, then a generic source:type fallback.
func deriveScope(evt domain.Event) string {
	for _, key := range []string{"scope", "message", "description", "title"} {
		if v, ok := evt.Payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return fmt.Sprintf("%s:%s event", evt.Source, evt.Type)
}

func deriveConstraints(evt domain.Event, pol domain.Policy) []string {
	constraints := []string{
		fmt.Sprintf("monthly budget cap $%.2f", pol.MonthlyBudgetCapUSD),
		fmt.Sprintf("max %d concurrent runs", pol.MaxConcurrentRuns),
	}
	if evt.Priority == domain.PriorityCritical {
		constraints = append(constraints, "expedite: critical priority trigger")
	}
	constraints = append(constraints, stringList(evt.Payload, "constraints")...)
	return constraints
}

// approvalRequired is a logical OR: any single trigger forces the
// Guide-Me lane; otherwise the manifest runs unattended (Deploy-It).
func approvalRequired(evt domain.Event, est domain.CostEstimate, pol domain.Policy) bool {
	if est.TotalUSD > pol.AutoApproveThresholdUSD {
		return true
	}
	if evt.Priority == domain.PriorityCritical {
		return true
	}
	if payloadFlag(evt.Payload, "new_integration") || payloadFlag(evt.Payload, "integration") {
		return true
	}
	if payloadFlag(evt.Payload, "production_impact") || payloadFlag(evt.Payload, "production") {
		return true
	}
	if env, ok := evt.Payload["environment"].(string); ok && strings.EqualFold(env, "production") {
		return true
	}
	return false
}

// planFor maps an event source to its Develop step list. The phase
// structure is invariant; only step content differs by source.
func planFor(src domain.Source) domain.Plan {
	plan := domain.Plan{
		Foster: domain.PhasePlan{
			Steps: []string{
				"retrieve related prior work",
				"assemble requirements snapshot",
			},
			Executors: []string{"context"},
		},
		Hone: domain.PhasePlan{
			Steps:     []string{"run verification gates"},
			Executors: []string{"verifier"},
		},
	}
	switch src {
	case domain.SourceGitHub:
		plan.Develop = domain.PhasePlan{
			Steps: []string{
				"review pushed changes against scope",
				"implement requested code changes",
				"update affected configuration",
				"write regression tests",
				"wire continuous integration workflow",
			},
			Executors: []string{"coder", "tester"},
		}
	case domain.SourceTicket:
		plan.Develop = domain.PhasePlan{
			Steps: []string{
				"reproduce reported behaviour",
				"implement fix for ticket scope",
				"write regression tests",
				"document resolution",
			},
			Executors: []string{"coder", "tester"},
		}
	case domain.SourceSchedule:
		plan.Develop = domain.PhasePlan{
			Steps: []string{
				"run scheduled maintenance workflow",
				"refresh generated configuration",
				"verify integration endpoints",
			},
			Executors: []string{"operator"},
		}
	case domain.SourceMonitor:
		plan.Develop = domain.PhasePlan{
			Steps: []string{
				"triage monitor alert",
				"implement remediation",
				"add alert regression test",
			},
			Executors: []string{"operator", "coder"},
		}
	default: // manual and anything admitted later
		plan.Develop = domain.PhasePlan{
			Steps: []string{
				"implement requested scope",
				"update configuration",
				"write tests for requested scope",
			},
			Executors: []string{"coder", "tester"},
		}
	}
	return plan
}

func knownSource(src domain.Source) bool {
	for _, s := range domain.KnownSources() {
		if s == src {
			return true
		}
	}
	return false
}

func priorityOrDefault(p domain.Priority) domain.Priority {
	switch p {
	case domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityCritical:
		return p
	}
	return domain.PriorityNormal
}

func payloadFlag(payload map[string]any, key string) bool {
	switch v := payload[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return false
}

func stringList(payload map[string]any, key string) []string {
	raw, ok := payload[key]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
