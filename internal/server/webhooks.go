package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/BoomerAng9/AIMS-sub004/internal/controller"
	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

// registerWebhooks accepts raw source-system payloads and translates them
// into events before ingest. GitHub deliveries carry their event name in
// X-GitHub-Event and a delivery id the controller reuses for dedupe.
func registerWebhooks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "github-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/github",
		Summary:       "GitHub webhook receiver",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Delivery  string         `header:"X-GitHub-Delivery"`
		EventName string         `header:"X-GitHub-Event"`
		Body      map[string]any `json:"body"`
	}) (*struct {
		Body controller.Outcome `json:"body"`
	}, error) {
		if input.EventName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "X-GitHub-Event header is required", nil)
		}
		evt := githubEvent(input.Delivery, input.EventName, input.Body)
		out, err := cfg.Controller.IngestEvent(ctx, evt, "github-webhook")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body controller.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

// githubEvent flattens the useful parts of a GitHub payload into the
// event payload the manifest builder reads.
func githubEvent(delivery, eventName string, body map[string]any) domain.Event {
	id := delivery
	if id == "" {
		id = uuid.New().String()
	}
	payload := map[string]any{}
	if body != nil {
		payload = body
	}
	if msg := githubHeadline(eventName, body); msg != "" {
		if _, exists := payload["message"]; !exists {
			payload["message"] = msg
		}
	}
	owner := ""
	if repo, ok := body["repository"].(map[string]any); ok {
		if o, ok := repo["owner"].(map[string]any); ok {
			if login, ok := o["login"].(string); ok {
				owner = login
			}
		}
	}
	return domain.Event{
		ID:        "github-" + id,
		Source:    domain.SourceGitHub,
		Type:      eventName,
		Payload:   payload,
		OwnerID:   owner,
		Timestamp: time.Now().UTC(),
		Priority:  domain.PriorityNormal,
	}
}

func githubHeadline(eventName string, body map[string]any) string {
	switch eventName {
	case "push":
		if commits, ok := body["commits"].([]any); ok && len(commits) > 0 {
			if head, ok := commits[len(commits)-1].(map[string]any); ok {
				if msg, ok := head["message"].(string); ok {
					return strings.SplitN(msg, "\n", 2)[0]
				}
			}
		}
	case "issues", "pull_request":
		key := "issue"
		if eventName == "pull_request" {
			key = "pull_request"
		}
		if item, ok := body[key].(map[string]any); ok {
			if title, ok := item["title"].(string); ok {
				return title
			}
		}
	}
	if ref, ok := body["ref"].(string); ok {
		return fmt.Sprintf("%s on %s", eventName, ref)
	}
	return ""
}
