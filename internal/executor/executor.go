// Package executor defines the black-box contracts for the agents that
// produce artifacts in Develop and the checks that run in Hone. The
// pipeline invokes them per step/gate and never looks inside.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

// Output is what a step executor hands back for one Develop step.
type Output struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

// Executor turns one step description into an artifact.
type Executor interface {
	Execute(ctx context.Context, step string, m domain.Manifest) (Output, error)
}

// Verifier runs one named verification gate against a run. The
// cost-accuracy gate is computed by the pipeline itself and never reaches
// a Verifier.
type Verifier interface {
	Check(ctx context.Context, gate domain.GateKind, run domain.Run) (domain.GateResult, error)
}

// Scripted is the built-in executor: deterministic artifact content
// derived from the step text. Useful for local operation and tests;
// production wires a real agent behind the same interface.
type Scripted struct{}

var _ Executor = Scripted{}

func (Scripted) Execute(_ context.Context, step string, m domain.Manifest) (Output, error) {
	if strings.TrimSpace(step) == "" {
		return Output{}, fmt.Errorf("empty step description")
	}
	name := slug(step)
	content := fmt.Sprintf("scope: %s\nstep: %s\n", m.Scope, step)
	return Output{Name: name, Content: content}, nil
}

// StaticVerifier passes every delegated gate with full score. Tests and
// local dry runs substitute failing behaviour behind the Verifier
// interface.
type StaticVerifier struct{}

var _ Verifier = StaticVerifier{}

func (StaticVerifier) Check(_ context.Context, gate domain.GateKind, _ domain.Run) (domain.GateResult, error) {
	return domain.GateResult{
		Gate:     gate,
		Passed:   true,
		Score:    100,
		Evidence: fmt.Sprintf("%s check passed", gate),
	}, nil
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	if len(out) > 48 {
		out = out[:48]
	}
	return out
}
