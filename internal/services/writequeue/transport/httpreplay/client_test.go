package httpreplay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

func TestReplayPostsPayloadWithIdempotencyKey(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotBody string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(IdempotencyHeader)
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"post-9","title":"hi"}`))
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL + "/api", HTTP: srv.Client()}
	result, err := client.Replay("posts")(context.Background(), domain.Action{
		ID:      "act-1",
		Kind:    "create-post",
		Payload: []byte(`{"title":"hi"}`),
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if gotPath != "/api/posts" {
		t.Fatalf("path = %q, want %q", gotPath, "/api/posts")
	}
	if gotKey != "act-1" {
		t.Fatalf("idempotency key = %q, want %q", gotKey, "act-1")
	}
	if gotType != "application/json" {
		t.Fatalf("content type = %q, want application/json", gotType)
	}
	if gotBody != `{"title":"hi"}` {
		t.Fatalf("body = %q, want %q", gotBody, `{"title":"hi"}`)
	}
	if result.ResourceID != "post-9" {
		t.Fatalf("resource id = %q, want %q", result.ResourceID, "post-9")
	}
	if string(result.Body) != `{"id":"post-9","title":"hi"}` {
		t.Fatalf("result body = %s", result.Body)
	}
}

func TestReplayMapsStatusToClass(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		retryAfter string
		wantClass  domain.Class
		wantDelay  time.Duration
	}{
		{name: "unavailable", status: http.StatusServiceUnavailable, wantClass: domain.ClassTransient},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", wantClass: domain.ClassTransient, wantDelay: 7 * time.Second},
		{name: "validation", status: http.StatusUnprocessableEntity, wantClass: domain.ClassPermanent},
		{name: "unauthorized", status: http.StatusUnauthorized, wantClass: domain.ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			client := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
			_, err := client.Replay("/posts")(context.Background(), domain.Action{ID: "act-1", Kind: "create-post"})
			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("error = %v, want *StatusError", err)
			}
			if statusErr.Code != tc.status {
				t.Fatalf("code = %d, want %d", statusErr.Code, tc.status)
			}
			if got := domain.Classify(err); got != tc.wantClass {
				t.Fatalf("class = %s, want %s", got, tc.wantClass)
			}
			if got := domain.RetryAfterOf(err); got != tc.wantDelay {
				t.Fatalf("retry after = %s, want %s", got, tc.wantDelay)
			}
		})
	}
}

func TestReplayNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := &Client{BaseURL: url}
	_, err := client.Replay("posts")(context.Background(), domain.Action{ID: "act-1", Kind: "create-post"})
	if err == nil {
		t.Fatal("expected network error")
	}
	if got := domain.Classify(err); got != domain.ClassTransient {
		t.Fatalf("class = %s, want %s", got, domain.ClassTransient)
	}
}

func TestReplaySignsRequests(t *testing.T) {
	key := []byte("test-signing-key")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &Client{
		BaseURL: srv.URL,
		HTTP:    srv.Client(),
		Signer:  &Signer{Key: key, Issuer: "writequeue", Audience: "linkdao-api", Now: func() time.Time { return now }},
	}
	if _, err := client.Replay("posts")(context.Background(), domain.Action{ID: "act-1", Kind: "create-post", Attempts: 2}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		t.Fatalf("authorization = %q, want bearer token", header)
	}

	var claims replayClaims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "act-1" || claims.Kind != "create-post" || claims.Attempt != 3 {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Issuer != "writequeue" {
		t.Fatalf("issuer = %q, want writequeue", claims.Issuer)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "30", want: 30 * time.Second},
		{value: "-1", want: 0},
		{value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{value: "soon", want: 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.value, now); got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", tc.value, got, tc.want)
		}
	}
}
