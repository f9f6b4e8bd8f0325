package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/estimate"
)

func testBuilder() Builder {
	return Builder{
		Estimator: estimate.Heuristic{CostPer1KTokensUSD: 0.012},
		Now:       func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) },
	}
}

func testPolicy() domain.Policy {
	return domain.Policy{
		Enabled:                 true,
		AutoApproveThresholdUSD: 5,
		MaxConcurrentRuns:       3,
		OperatingHours:          domain.HoursAlways,
		MonthlyBudgetCapUSD:     500,
	}
}

func testEvent(src domain.Source, payload map[string]any) domain.Event {
	return domain.Event{
		ID:        "evt-1",
		Source:    src,
		Type:      "request",
		Payload:   payload,
		Timestamp: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		Priority:  domain.PriorityNormal,
	}
}

func TestBuildSplitsTokens(t *testing.T) {
	b := testBuilder()
	m, err := b.Build(context.Background(), testEvent(domain.SourceManual, map[string]any{"scope": "add rate limiting"}), testPolicy())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	total := m.Plan.Foster.EstimatedTokens + m.Plan.Develop.EstimatedTokens + m.Plan.Hone.EstimatedTokens
	if total != m.CostEstimate.TotalTokens {
		t.Fatalf("phase tokens %d != estimate %d", total, m.CostEstimate.TotalTokens)
	}
	if m.Plan.Develop.EstimatedTokens <= m.Plan.Foster.EstimatedTokens {
		t.Fatal("develop must carry the largest share")
	}
	if m.Plan.Develop.EstimatedTokens <= m.Plan.Hone.EstimatedTokens {
		t.Fatal("develop must outweigh hone")
	}
	if len(m.Plan.Develop.Steps) == 0 || len(m.Plan.Foster.Steps) == 0 || len(m.Plan.Hone.Steps) == 0 {
		t.Fatalf("every phase needs steps: %+v", m.Plan)
	}
}

func TestBuildScopeDerivation(t *testing.T) {
	b := testBuilder()
	pol := testPolicy()

	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"explicit scope", map[string]any{"scope": "fix login"}, "fix login"},
		{"message fallback", map[string]any{"message": "crash on save"}, "crash on save"},
		{"title fallback", map[string]any{"title": "slow dashboard"}, "slow dashboard"},
		{"generic fallback", nil, "ticket:request event"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := b.Build(context.Background(), testEvent(domain.SourceTicket, tc.payload), pol)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if m.Scope != tc.want {
				t.Fatalf("scope = %q, want %q", m.Scope, tc.want)
			}
		})
	}
}

func TestBuildApprovalTriggers(t *testing.T) {
	b := testBuilder()

	t.Run("under threshold runs unattended", func(t *testing.T) {
		m, err := b.Build(context.Background(), testEvent(domain.SourceManual, map[string]any{"scope": "tiny fix"}), testPolicy())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if m.ApprovalRequired {
			t.Fatal("small manifest must not need approval")
		}
	})

	t.Run("cost over threshold", func(t *testing.T) {
		pol := testPolicy()
		pol.AutoApproveThresholdUSD = 0.01
		m, err := b.Build(context.Background(), testEvent(domain.SourceManual, map[string]any{"scope": "tiny fix"}), pol)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !m.ApprovalRequired {
			t.Fatal("expected approval for cost over threshold")
		}
	})

	t.Run("critical priority", func(t *testing.T) {
		evt := testEvent(domain.SourceManual, map[string]any{"scope": "tiny fix"})
		evt.Priority = domain.PriorityCritical
		m, err := b.Build(context.Background(), evt, testPolicy())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !m.ApprovalRequired {
			t.Fatal("expected approval for critical priority")
		}
	})

	t.Run("new integration flag", func(t *testing.T) {
		m, err := b.Build(context.Background(), testEvent(domain.SourceManual, map[string]any{"scope": "tiny fix", "new_integration": true}), testPolicy())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !m.ApprovalRequired {
			t.Fatal("expected approval for new integration")
		}
	})

	t.Run("production environment", func(t *testing.T) {
		m, err := b.Build(context.Background(), testEvent(domain.SourceManual, map[string]any{"scope": "tiny fix", "environment": "Production"}), testPolicy())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !m.ApprovalRequired {
			t.Fatal("expected approval for production environment")
		}
	})
}

func TestBuildDeterministicID(t *testing.T) {
	b := testBuilder()
	evt := testEvent(domain.SourceGitHub, map[string]any{"scope": "same event"})
	m1, err := b.Build(context.Background(), evt, testPolicy())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m2, err := b.Build(context.Background(), evt, testPolicy())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m1.ID != m2.ID {
		t.Fatalf("same event must yield same manifest id: %s vs %s", m1.ID, m2.ID)
	}
}

func TestBuildRejectsBadEvents(t *testing.T) {
	b := testBuilder()
	evt := testEvent("carrier-pigeon", nil)
	if _, err := b.Build(context.Background(), evt, testPolicy()); err == nil {
		t.Fatal("expected error for unknown source")
	}
	evt = testEvent(domain.SourceManual, nil)
	evt.ID = ""
	if _, err := b.Build(context.Background(), evt, testPolicy()); err == nil {
		t.Fatal("expected error for missing event id")
	}
}

func TestBuildPlanVariesBySource(t *testing.T) {
	b := testBuilder()
	pol := testPolicy()
	gh, _ := b.Build(context.Background(), testEvent(domain.SourceGitHub, map[string]any{"scope": "x"}), pol)
	sched, _ := b.Build(context.Background(), testEvent(domain.SourceSchedule, map[string]any{"scope": "x"}), pol)
	if len(gh.Plan.Develop.Steps) == len(sched.Plan.Develop.Steps) {
		if gh.Plan.Develop.Steps[0] == sched.Plan.Develop.Steps[0] {
			t.Fatal("develop plans should differ by source")
		}
	}
}

func TestBuildPriorityDefaultsToNormal(t *testing.T) {
	b := testBuilder()
	evt := testEvent(domain.SourceManual, map[string]any{"scope": "x"})
	evt.Priority = ""
	m, err := b.Build(context.Background(), evt, testPolicy())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.Priority != domain.PriorityNormal {
		t.Fatalf("priority = %s, want normal", m.Priority)
	}
}
