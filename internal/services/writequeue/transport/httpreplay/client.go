// Package httpreplay replays queued actions as JSON POST requests against the
// backend HTTP API.
package httpreplay

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
	"time"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// IdempotencyHeader carries the action id so the backend can drop duplicate
// deliveries.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// StatusError is a non-2xx backend response.
type StatusError struct {
	Kind       string
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Kind, e.Code, e.Body)
}

// StatusCode exposes the HTTP status to the failure classifier.
func (e *StatusError) StatusCode() int { return e.Code }

// RetryDelay returns the server's Retry-After hint.
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }

// Client posts actions to BaseURL joined with a per-kind path.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Signer  *Signer
	Now     func() time.Time
}

// Replay returns a replay func that posts to path.
func (c *Client) Replay(path string) func(ctx context.Context, action domain.Action) (domain.Result, error) {
	return func(ctx context.Context, action domain.Action) (domain.Result, error) {
		return c.post(ctx, path, action)
	}
}

func (c *Client) post(ctx context.Context, path string, action domain.Action) (domain.Result, error) {
	target, err := url.JoinPath(strings.TrimRight(c.BaseURL, "/"), path)
	if err != nil {
		return domain.Result{}, domain.Permanent(fmt.Errorf("build %s url: %w", action.Kind, err))
	}
	body := action.Payload
	if len(body) == 0 {
		body = []byte("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return domain.Result{}, domain.Permanent(fmt.Errorf("build %s request: %w", action.Kind, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, action.ID)
	if c.Signer != nil {
		token, err := c.Signer.Token(action)
		if err != nil {
			return domain.Result{}, domain.Permanent(fmt.Errorf("sign %s request: %w", action.Kind, err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// Network errors and timeouts classify as transient.
		return domain.Result{}, fmt.Errorf("post %s: %w", action.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.Result{}, &StatusError{
			Kind:       action.Kind,
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read %s response: %w", action.Kind, err)
	}
	result := domain.Result{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return result, nil
	}
	if json.Valid(raw) {
		result.Body = raw
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &created); err == nil {
			result.ResourceID = created.ID
		}
	}
	if location := resp.Header.Get("Location"); result.ResourceID == "" && location != "" {
		result.ResourceID = location
	}
	return result, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
