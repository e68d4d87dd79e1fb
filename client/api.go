package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/worker"
)

var _ worker.API = (*Client)(nil)

type leaseRequest struct {
	WorkerID         string   `json:"worker_id"`
	Max              int      `json:"max"`
	LeaseSeconds     int      `json:"lease_seconds"`
	CapabilityFilter []string `json:"capability_filter,omitempty"`
}

type leaseResponse struct {
	Jobs []*model.Job `json:"jobs"`
}

type queueActionRequest struct {
	WorkerID          string `json:"worker_id"`
	LeaseSeconds      int    `json:"lease_seconds,omitempty"`
	Error             string `json:"error,omitempty"`
	Retry             bool   `json:"retry,omitempty"`
	RetryDelaySeconds int    `json:"retry_delay_seconds,omitempty"`
	Permanent         bool   `json:"permanent,omitempty"`
}

// Register implements worker.API.
func (c *Client) Register(ctx context.Context, req worker.RegisterRequest) (worker.RegisterResponse, error) {
	var resp worker.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/worker/pool/register", req, &resp)
	return resp, err
}

// Heartbeat implements worker.API.
func (c *Client) Heartbeat(ctx context.Context, req worker.HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, "/worker/pool/heartbeat", req, nil)
}

// Deregister implements worker.API.
func (c *Client) Deregister(ctx context.Context, name string) error {
	body := map[string]string{"name": name}
	return c.do(ctx, http.MethodDelete, "/worker/pool/deregister", body, nil)
}

// Lease implements worker.API.
func (c *Client) Lease(ctx context.Context, req model.LeaseRequest) ([]*model.Job, error) {
	wire := leaseRequest{
		WorkerID:         req.WorkerID,
		Max:              req.Max,
		LeaseSeconds:     int(req.Duration / time.Second),
		CapabilityFilter: req.Kinds,
	}
	var resp leaseResponse
	if err := c.do(ctx, http.MethodPost, "/queue/lease", wire, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Renew implements worker.API.
func (c *Client) Renew(ctx context.Context, queueID ident.ID, workerID string, d time.Duration) error {
	body := queueActionRequest{WorkerID: workerID, LeaseSeconds: int(d / time.Second)}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/queue/%s/renew", queueID), body, nil)
}

// Ack implements worker.API.
func (c *Client) Ack(ctx context.Context, queueID ident.ID, workerID string) error {
	body := queueActionRequest{WorkerID: workerID}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/queue/%s/ack", queueID), body, nil)
}

// Fail implements worker.API.
func (c *Client) Fail(ctx context.Context, queueID ident.ID, workerID string, req model.FailRequest) error {
	body := queueActionRequest{
		WorkerID:          workerID,
		Error:             req.Error,
		Retry:             req.Retry,
		RetryDelaySeconds: int(req.RetryDelay / time.Second),
		Permanent:         req.Permanent,
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/queue/%s/fail", queueID), body, nil)
}

// EmitEvent implements worker.API.
func (c *Client) EmitEvent(ctx context.Context, ev *model.Event) error {
	return c.do(ctx, http.MethodPost, "/event/emit", ev, nil)
}

// ReportMetrics implements worker.API.
func (c *Client) ReportMetrics(ctx context.Context, snap worker.Snapshot) error {
	return c.do(ctx, http.MethodPost, "/metrics/report", snap, nil)
}

// RunRequest starts an execution through POST /executions/run.
type RunRequest struct {
	Path              string         `json:"path,omitempty"`
	CatalogID         string         `json:"catalog_id,omitempty"`
	Version           string         `json:"version,omitempty"`
	Workload          map[string]any `json:"workload,omitempty"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
}

// RunResponse reports the started execution.
type RunResponse struct {
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Path        string    `json:"path"`
	StartTime   time.Time `json:"start_time"`
}

// ExecutionStatus aggregates an execution with its step phases and
// queue counts.
type ExecutionStatus struct {
	Execution model.Execution   `json:"execution"`
	Steps     map[string]string `json:"steps"`
	Queue     map[string]int    `json:"queue"`
}

// Run starts an execution.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunResponse, error) {
	var resp RunResponse
	err := c.do(ctx, http.MethodPost, "/executions/run", req, &resp)
	return resp, err
}

// Execution fetches aggregate status for one execution.
func (c *Client) Execution(ctx context.Context, id string) (*ExecutionStatus, error) {
	var resp ExecutionStatus
	if err := c.do(ctx, http.MethodGet, "/execution/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events pages through an execution's event log in ID order.
func (c *Client) Events(ctx context.Context, id string, since ident.ID, limit int) ([]*model.Event, error) {
	path := fmt.Sprintf("/execution/%s/events?since=%s&limit=%d", id, since, limit)
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Executions lists recent executions.
func (c *Client) Executions(ctx context.Context, limit, offset int) ([]*model.Execution, error) {
	path := fmt.Sprintf("/executions?limit=%d&offset=%d", limit, offset)
	var resp struct {
		Executions []*model.Execution `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// Health checks the server and its store.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
