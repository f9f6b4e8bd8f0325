package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

// CostVarianceTolerance is the maximum |actual-estimate|/estimate ratio
// the cost_accuracy gate accepts.
const CostVarianceTolerance = 0.15

// evaluateGates runs the fixed checklist in order. Seven gates delegate
// to the Verifier; cost_accuracy is computed here from the run's own
// numbers. A Verifier error aborts the whole checklist.
func (e *Engine) evaluateGates(ctx context.Context, run domain.Run) (domain.HoneResult, error) {
	var result domain.HoneResult
	passed := 0
	for _, gate := range domain.AllGates() {
		var gr domain.GateResult
		if gate == domain.GateCostAccuracy {
			gr, result.CostVariance = e.costAccuracyGate(run)
		} else {
			var err error
			gr, err = e.Verifier.Check(ctx, gate, run)
			if err != nil {
				return result, fmt.Errorf("gate %s: %w", gate, err)
			}
			gr.Gate = gate
		}
		if gr.Passed {
			passed++
		}
		result.Gates = append(result.Gates, gr)
	}
	result.AllPassed = passed == len(result.Gates)
	result.GateScore = passed
	return result, nil
}

// costAccuracyGate compares the current attempt's spend against the
// estimate. Only the latest Foster and Develop results plus the Hone
// budget count; earlier attempts' spend stays in CostActual but does not
// condemn a retry that lands on budget.
func (e *Engine) costAccuracyGate(run domain.Run) (domain.GateResult, float64) {
	est := run.Manifest.CostEstimate.TotalTokens
	attempt := run.Manifest.Plan.Hone.EstimatedTokens
	if run.Phases.Foster != nil {
		attempt += run.Phases.Foster.Tokens
	}
	if run.Phases.Develop != nil {
		attempt += run.Phases.Develop.Tokens
	}
	if est <= 0 {
		return domain.GateResult{
			Gate:     domain.GateCostAccuracy,
			Passed:   false,
			Evidence: "no cost estimate to compare against",
		}, 0
	}
	variance := math.Abs(float64(attempt-est)) / float64(est)
	gr := domain.GateResult{
		Gate:     domain.GateCostAccuracy,
		Passed:   variance <= CostVarianceTolerance,
		Score:    int(math.Round(math.Max(0, 1-variance) * 100)),
		Evidence: fmt.Sprintf("attempt spend %d tokens vs estimate %d (variance %.1f%%)", attempt, est, variance*100),
		Details: map[string]any{
			"attempt_tokens":   attempt,
			"estimated_tokens": est,
			"variance":         variance,
		},
	}
	return gr, variance
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
