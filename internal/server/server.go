// Package server exposes the controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BoomerAng9/AIMS-sub004/internal/controller"
	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/events"
	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Controller *controller.Controller
	Store      repo.Store
	Events     events.Writer
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the AIMS API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("AIMS Controller API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerIngest(group, cfg)
	registerWebhooks(group, cfg)
	registerRuns(group, cfg)
	registerChambers(group, cfg)
	registerReceipts(group, cfg)
	registerPolicy(group, cfg)
	registerEventLog(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid run status transition"),
		strings.Contains(lowered, "cannot reject"),
		strings.Contains(lowered, "cannot pause"),
		strings.Contains(lowered, "cannot resume"),
		strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "must be") || strings.Contains(lowered, "must not"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AIMS Controller API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Controller status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body controller.Status `json:"body"`
	}, error) {
		st, err := cfg.Controller.GetStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body controller.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerIngest(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Ingest event",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestEventRequest `json:"body"`
	}) (*struct {
		Body controller.Outcome `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Source == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source is required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		evt := domain.Event{
			ID:        input.Body.ID,
			Source:    input.Body.Source,
			Type:      input.Body.Type,
			Payload:   input.Body.Payload,
			ChamberID: input.Body.ChamberID,
			OwnerID:   input.Body.OwnerID,
			Timestamp: time.Now().UTC(),
			Priority:  domain.Priority(input.Body.Priority),
		}
		if evt.ID == "" {
			evt.ID = uuid.New().String()
		}
		out, err := cfg.Controller.IngestEvent(ctx, evt, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body controller.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		ChamberID string `query:"chamber_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		runs, err := cfg.Store.ListRuns(ctx, repo.RunFilters{
			Status:    domain.RunStatus(input.Status),
			ChamberID: input.ChamberID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := cfg.Store.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/approve",
		Summary:     "Approve run",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := cfg.Controller.ApproveRun(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/reject",
		Summary:     "Reject run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body RejectRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		run, err := cfg.Controller.Pipeline.RejectRun(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/pause",
		Summary:     "Pause run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := cfg.Controller.Pipeline.PauseRun(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/resume",
		Summary:     "Resume run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := cfg.Controller.Pipeline.ResumeRun(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerChambers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-chambers",
		Method:      http.MethodGet,
		Path:        "/chambers",
		Summary:     "List chambers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ChamberListResponse `json:"body"`
	}, error) {
		chambers, err := cfg.Store.ListChambers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range chambers {
			ids, err := cfg.Store.ActiveRunIDs(ctx, chambers[i].ID)
			if err != nil {
				return nil, handleError(err)
			}
			chambers[i].ActiveRunIDs = ids
		}
		if chambers == nil {
			chambers = []domain.Chamber{}
		}
		return &struct {
			Body ChamberListResponse `json:"body"`
		}{Body: ChamberListResponse{Items: chambers}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-chamber",
		Method:      http.MethodGet,
		Path:        "/chambers/{id}",
		Summary:     "Get chamber",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Chamber `json:"body"`
	}, error) {
		ch, err := cfg.Store.GetChamber(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ids, err := cfg.Store.ActiveRunIDs(ctx, ch.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ch.ActiveRunIDs = ids
		return &struct {
			Body domain.Chamber `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-chamber-status",
		Method:      http.MethodPatch,
		Path:        "/chambers/{id}/status",
		Summary:     "Set chamber status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body SetChamberStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Chamber `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ch, err := cfg.Controller.SetChamberStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Chamber `json:"body"`
		}{Body: ch}, nil
	})
}

func registerReceipts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-receipts",
		Method:      http.MethodGet,
		Path:        "/receipts",
		Summary:     "List receipts",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body ReceiptListResponse `json:"body"`
	}, error) {
		receipts, err := cfg.Store.ListReceipts(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if receipts == nil {
			receipts = []domain.Receipt{}
		}
		return &struct {
			Body ReceiptListResponse `json:"body"`
		}{Body: ReceiptListResponse{Items: receipts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-receipt",
		Method:      http.MethodGet,
		Path:        "/receipts/{id}",
		Summary:     "Get receipt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Receipt `json:"body"`
	}, error) {
		receipt, err := cfg.Store.GetReceipt(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Receipt `json:"body"`
		}{Body: receipt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-receipt-deploy",
		Method:      http.MethodPost,
		Path:        "/receipts/{id}/deploy-approve",
		Summary:     "Approve receipt for deploy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Receipt `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Store.ApproveReceiptDeploy(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Events.Append(ctx, "receipt.deploy_approved", "receipt", input.ID, actorID, nil); err != nil {
			return nil, handleError(err)
		}
		receipt, err := cfg.Store.GetReceipt(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Receipt `json:"body"`
		}{Body: receipt}, nil
	})
}

func registerPolicy(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Get policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		pol, err := cfg.Controller.Policy(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: pol}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-policy",
		Method:      http.MethodPut,
		Path:        "/policy",
		Summary:     "Replace policy",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PolicyRequest `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pol := input.Body.toDomain()
		if err := cfg.Controller.SetPolicy(ctx, pol, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: pol}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-policy",
		Method:      http.MethodPatch,
		Path:        "/policy",
		Summary:     "Patch policy",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body controller.PolicyPatch `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pol, err := cfg.Controller.PatchPolicy(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: pol}, nil
	})
}

func registerEventLog(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-event-log",
		Method:      http.MethodGet,
		Path:        "/events-log",
		Summary:     "List audit log entries",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
	}) (*struct {
		Body []events.Entry `json:"body"`
	}, error) {
		entries, err := cfg.Events.Latest(ctx, input.Limit, input.Type, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []events.Entry{}
		}
		return &struct {
			Body []events.Entry `json:"body"`
		}{Body: entries}, nil
	})
}
