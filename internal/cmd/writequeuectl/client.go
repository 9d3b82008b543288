package writequeuectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/magickw/linkDAO-sub002/internal/platform/errors"
	"github.com/magickw/linkDAO-sub002/internal/platform/timeouts"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/api/httpapi"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/breaker"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

// Client calls the writequeue HTTP API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// Attempt is one attempt history row as returned by the API.
type Attempt struct {
	ActionID  string `json:"action_id"`
	Kind      string `json:"kind"`
	Outcome   string `json:"outcome"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// NewClient returns a client for baseURL with the CLI request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeouts.CLIRequest},
	}
}

// QueueSize returns the number of active queued actions.
func (c *Client) QueueSize(ctx context.Context) (int, error) {
	var resp struct {
		Size int `json:"size"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue/size", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// ListActions lists queued actions filtered by status and kind when set.
func (c *Client) ListActions(ctx context.Context, status, kind string) ([]domain.Action, error) {
	query := url.Values{}
	if status = strings.TrimSpace(status); status != "" {
		query.Set("status", status)
	}
	if kind = strings.TrimSpace(kind); kind != "" {
		query.Set("kind", kind)
	}
	var resp struct {
		Items []domain.Action `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/actions", query), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetAction fetches one action.
func (c *Client) GetAction(ctx context.Context, id string) (domain.Action, error) {
	var action domain.Action
	err := c.do(ctx, http.MethodGet, "/actions/"+url.PathEscape(id), nil, &action)
	return action, err
}

// Submit submits one action.
func (c *Client) Submit(ctx context.Context, req httpapi.SubmitRequest) (httpapi.SubmitResponse, error) {
	var resp httpapi.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/actions", req, &resp)
	return resp, err
}

// Cancel cancels an active action.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/actions/"+url.PathEscape(id), nil, nil)
}

// Requeue moves a permanently failed action back to pending.
func (c *Client) Requeue(ctx context.Context, id string) (domain.Action, error) {
	var action domain.Action
	err := c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(id)+"/requeue", nil, &action)
	return action, err
}

// Clear drops a permanently failed action.
func (c *Client) Clear(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(id)+"/clear", nil, nil)
}

// Breakers lists breaker snapshots.
func (c *Client) Breakers(ctx context.Context) ([]breaker.Snapshot, error) {
	var resp struct {
		Items []breaker.Snapshot `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/breakers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ResetBreaker closes the breaker for kind.
func (c *Client) ResetBreaker(ctx context.Context, kind string) error {
	return c.do(ctx, http.MethodPost, "/breakers/"+url.PathEscape(kind)+"/reset", nil, nil)
}

// Attempts lists recent attempts, optionally for one action.
func (c *Client) Attempts(ctx context.Context, actionID string, limit int) ([]Attempt, error) {
	query := url.Values{}
	if actionID = strings.TrimSpace(actionID); actionID != "" {
		query.Set("action_id", actionID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Attempt `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/attempts", query), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c == nil || c.BaseURL == "" {
		return fmt.Errorf("api address is required")
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.CLIRequest}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	// A failed submission is reported in the body with 422.
	if resp.StatusCode >= 400 && !(resp.StatusCode == http.StatusUnprocessableEntity && method == http.MethodPost && path == "/actions") {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Code == "" {
		return fmt.Errorf("api returned status %d", status)
	}
	return apperrors.New(apperrors.Code(payload.Code), payload.Error)
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
