// Package client provides a Go SDK for the maude HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/airgap/maude-sub003/pkg/models"
)

// Client calls the maude HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; sent as X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func checkStatus(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errBody struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errBody.Error}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(method, path, resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// --- Loops ---

// StartLoop starts a loop for the scope and returns it.
func (c *Client) StartLoop(ctx context.Context, req models.StartLoopRequest) (*models.Loop, error) {
	var out models.StartLoopResponse
	if err := c.doJSON(ctx, http.MethodPost, "/loops", req, &out); err != nil {
		return nil, err
	}
	if out.Loop == nil {
		return &models.Loop{ID: out.LoopID}, nil
	}
	return out.Loop, nil
}

// ListLoops returns loops, optionally filtered by status.
func (c *Client) ListLoops(ctx context.Context, status string) ([]models.Loop, error) {
	path := "/loops"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []models.Loop
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetLoop returns a loop with its iteration log.
func (c *Client) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	var out models.Loop
	if err := c.doJSON(ctx, http.MethodGet, "/loops/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PauseLoop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/loops/"+url.PathEscape(id)+"/pause", nil, nil)
}

func (c *Client) ResumeLoop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/loops/"+url.PathEscape(id)+"/resume", nil, nil)
}

func (c *Client) CancelLoop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/loops/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// LoopLog returns the loop's iteration log.
func (c *Client) LoopLog(ctx context.Context, id string) ([]models.IterationLogEntry, error) {
	var out []models.IterationLogEntry
	err := c.doJSON(ctx, http.MethodGet, "/loops/"+url.PathEscape(id)+"/log", nil, &out)
	return out, err
}

// --- Stories ---

// StoryQuery filters ListStories. Zero fields are not sent.
type StoryQuery struct {
	WorkspacePath string
	PRDID         string
	Status        string
	Provider      string
	LinkedOnly    bool
	Ready         bool // eligible stories of the scope in the order a loop would take them
}

func (q StoryQuery) encode() string {
	v := url.Values{}
	if q.WorkspacePath != "" {
		v.Set("workspacePath", q.WorkspacePath)
	}
	if q.PRDID != "" {
		v.Set("prdId", q.PRDID)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Provider != "" {
		v.Set("provider", q.Provider)
	}
	if q.LinkedOnly {
		v.Set("linked", "true")
	}
	if q.Ready {
		v.Set("ready", "true")
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) ListStories(ctx context.Context, q StoryQuery) ([]models.Story, error) {
	var out []models.Story
	err := c.doJSON(ctx, http.MethodGet, "/stories"+q.encode(), nil, &out)
	return out, err
}

// CreateStory creates a pending story. Lifecycle fields of s are ignored by the server.
func (c *Client) CreateStory(ctx context.Context, s models.Story) (*models.Story, error) {
	var out models.Story
	if err := c.doJSON(ctx, http.MethodPost, "/stories", s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStory(ctx context.Context, id string) (*models.Story, error) {
	var out models.Story
	if err := c.doJSON(ctx, http.MethodGet, "/stories/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStory patches content fields (title, description, priority, acceptanceCriteria,
// dependsOn, maxAttempts, sortOrder).
func (c *Client) UpdateStory(ctx context.Context, id string, patch map[string]any) (*models.Story, error) {
	var out models.Story
	if err := c.doJSON(ctx, http.MethodPatch, "/stories/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteStory(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/stories/"+url.PathEscape(id), nil, nil)
}

// ResetStory returns a story to pending with a fresh retry budget.
func (c *Client) ResetStory(ctx context.Context, id string) (*models.Story, error) {
	var out models.Story
	if err := c.doJSON(ctx, http.MethodPost, "/stories/"+url.PathEscape(id)+"/reset", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetFailed resets the scope's failed stories and optionally restarts a loop.
func (c *Client) ResetFailed(ctx context.Context, req models.ResetFailedRequest) (*models.ResetFailedResponse, error) {
	var out models.ResetFailedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/stories/reset-failed", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Snapshots ---

func (c *Client) CreateSnapshot(ctx context.Context, req models.CreateSnapshotRequest) (*models.Snapshot, error) {
	var out models.Snapshot
	if err := c.doJSON(ctx, http.MethodPost, "/snapshots", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSnapshots returns a workspace's snapshots, newest first (limit 0 = server default).
func (c *Client) ListSnapshots(ctx context.Context, workspacePath string, limit int) ([]models.Snapshot, error) {
	v := url.Values{"workspacePath": {workspacePath}}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out []models.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/snapshots?"+v.Encode(), nil, &out)
	return out, err
}

// RestoreSnapshot restores a snapshot. A dirty state that could not be reapplied is reported
// in the result with Conflict set, not as an error.
func (c *Client) RestoreSnapshot(ctx context.Context, id string) (*models.RestoreResult, error) {
	var out models.RestoreResult
	if err := c.doJSON(ctx, http.MethodPost, "/snapshots/"+url.PathEscape(id)+"/restore", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Sessions ---

func (c *Client) ListSessions(ctx context.Context) ([]models.SessionInfo, error) {
	var out []models.SessionInfo
	err := c.doJSON(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

// --- Tracker sync ---

func (c *Client) Providers(ctx context.Context) ([]models.ProviderInfo, error) {
	var out []models.ProviderInfo
	err := c.doJSON(ctx, http.MethodGet, "/sync/providers", nil, &out)
	return out, err
}

// TestProvider checks the provider's credentials against its API.
func (c *Client) TestProvider(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/sync/providers/"+url.PathEscape(id)+"/test", nil, nil)
}

func (c *Client) Import(ctx context.Context, req models.ImportRequest) (*models.ImportResult, error) {
	var out models.ImportResult
	if err := c.doJSON(ctx, http.MethodPost, "/sync/import", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Refresh(ctx context.Context, req models.RefreshRequest) (*models.RefreshResult, error) {
	var out models.RefreshResult
	if err := c.doJSON(ctx, http.MethodPost, "/sync/refresh", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PushStatus(ctx context.Context, req models.PushStatusRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/sync/push", req, nil)
}

// ImportPRD creates stories from a backlog document.
func (c *Client) ImportPRD(ctx context.Context, req models.ImportPRDRequest) (*models.ImportPRDResponse, error) {
	var out models.ImportPRDResponse
	if err := c.doJSON(ctx, http.MethodPost, "/prd/import", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
