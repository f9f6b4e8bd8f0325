// Package estimate defines the cost estimator contract the manifest
// builder consumes. The estimator is an external collaborator; Heuristic
// is the built-in stand-in used when no remote estimator is wired.
package estimate

import (
	"context"
	"math"
	"strings"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

// Estimator prices a scope against a requested capability set.
type Estimator interface {
	Estimate(ctx context.Context, scope string, capabilities []string) (domain.CostEstimate, error)
}

const (
	baseTokens          = 4000
	tokensPerScopeWord  = 120
	tokensPerCapability = 1500
	defaultRatePer1K    = 0.012
)

// Heuristic is a deterministic word-count estimator.
type Heuristic struct {
	CostPer1KTokensUSD float64
	DiscountPct        float64
}

var _ Estimator = Heuristic{}

func (h Heuristic) Estimate(_ context.Context, scope string, capabilities []string) (domain.CostEstimate, error) {
	rate := h.CostPer1KTokensUSD
	if rate <= 0 {
		rate = defaultRatePer1K
	}
	words := len(strings.Fields(scope))
	tokens := baseTokens + words*tokensPerScopeWord + len(capabilities)*tokensPerCapability
	usd := float64(tokens) / 1000 * rate
	if h.DiscountPct > 0 {
		usd *= 1 - h.DiscountPct/100
	}
	return domain.CostEstimate{
		TotalTokens: tokens,
		TotalUSD:    math.Round(usd*100) / 100,
		DiscountPct: h.DiscountPct,
	}, nil
}
