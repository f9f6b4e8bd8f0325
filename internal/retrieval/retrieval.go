// Package retrieval defines the context lookup the Foster phase consumes:
// given a scope, return related prior-work snippets and a relevance score.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
)

// Result is the collaborator contract: prior-work patterns plus an
// overall relevance in [0,1].
type Result struct {
	Patterns  []string `json:"patterns"`
	Relevance float64  `json:"relevance"`
}

type Retriever interface {
	Related(ctx context.Context, scope string) (Result, error)
}

// ScopeLibrary retrieves by word overlap against the scopes of recent
// manifests in the store. It is the default retriever; a real knowledge
// base can replace it behind the same interface.
type ScopeLibrary struct {
	Store repo.Store
	Limit int
}

var _ Retriever = ScopeLibrary{}

func (l ScopeLibrary) Related(ctx context.Context, scope string) (Result, error) {
	limit := l.Limit
	if limit <= 0 {
		limit = 50
	}
	scopes, err := l.Store.RecentScopes(ctx, limit)
	if err != nil {
		return Result{}, fmt.Errorf("recent scopes: %w", err)
	}
	want := wordSet(scope)
	var res Result
	var best float64
	for _, prior := range scopes {
		if prior == scope {
			continue
		}
		overlap := jaccard(want, wordSet(prior))
		if overlap <= 0 {
			continue
		}
		res.Patterns = append(res.Patterns, prior)
		if overlap > best {
			best = overlap
		}
	}
	res.Relevance = best
	return res, nil
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,:;!?\"'()[]")
		if len(w) < 3 {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	common := 0
	for w := range a {
		if _, ok := b[w]; ok {
			common++
		}
	}
	union := len(a) + len(b) - common
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}
