// Package aimssdk is a minimal Go client for the AIMS controller API.
package aimssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AIMS HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Outcome reports what the controller did with an ingested event.
type Outcome struct {
	Decision string         `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
	Run      map[string]any `json:"run,omitempty"`
	Manifest map[string]any `json:"manifest,omitempty"`
}

// Run is the API run model (partial).
type Run struct {
	ID           string         `json:"id"`
	ManifestID   string         `json:"manifest_id"`
	Status       string         `json:"status"`
	CurrentPhase string         `json:"current_phase,omitempty"`
	RetryCount   int            `json:"retry_count"`
	ReceiptID    string         `json:"receipt_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	CostActual   map[string]any `json:"cost_actual,omitempty"`
}

// Receipt is the API receipt model (partial).
type Receipt struct {
	ID             string   `json:"id"`
	RunID          string   `json:"run_id"`
	GateScore      int      `json:"gate_score"`
	GatesPassed    []string `json:"gates_passed"`
	GatesFailed    []string `json:"gates_failed"`
	SealedAt       string   `json:"sealed_at"`
	SealedBy       string   `json:"sealed_by"`
	DeployApproved bool     `json:"deploy_approved"`
}

// IngestEvent submits one event for admission.
func (c *Client) IngestEvent(ctx context.Context, source, evtType string, payload map[string]any) (Outcome, error) {
	body := map[string]any{
		"source":  source,
		"type":    evtType,
		"payload": payload,
	}
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/events", body, &out)
	return out, err
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run)
	return run, err
}

// ListRuns lists runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	path := "/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Items, err
}

// ApproveRun releases an approval-gated run.
func (c *Client) ApproveRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/approve", nil, &run)
	return run, err
}

// RejectRun fails a run before execution with a reason.
func (c *Client) RejectRun(ctx context.Context, id, reason string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &run)
	return run, err
}

// GetReceipt fetches one receipt by id.
func (c *Client) GetReceipt(ctx context.Context, id string) (Receipt, error) {
	var receipt Receipt
	err := c.do(ctx, http.MethodGet, "/receipts/"+url.PathEscape(id), nil, &receipt)
	return receipt, err
}

// Status returns the aggregate controller status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	base := strings.TrimSuffix(c.BaseURL, "/")
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
