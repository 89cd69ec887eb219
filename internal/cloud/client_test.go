// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeranaias/loom/internal/config"
)

func testClient(url string) *Client {
	c := NewClient(url, "sk-or-test")
	c.maxRetries = 1
	return c
}

func TestStream_NotConfigured(t *testing.T) {
	c := NewClient("https://example.com", "")
	_, err := c.Stream(context.Background(), &Request{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestStream_BuildsRequestBody(t *testing.T) {
	var got requestBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-or-test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept header = %q", r.Header.Get("Accept"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := 0.4
	exclude := true
	req := &Request{
		Messages: []ChatMessage{NewUserMessage("hi")},
		Options: config.Resolved{
			Model:       "acme/smart",
			Temperature: &temp,
			Reasoning:   &config.Reasoning{Effort: "high", Exclude: &exclude},
			WebSearch:   true,
		},
	}

	body, err := testClient(srv.URL).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	body.Close()

	if got.Model != "acme/smart" {
		t.Errorf("model = %q", got.Model)
	}
	if !got.Stream {
		t.Error("stream flag not set")
	}
	if got.Temperature == nil || *got.Temperature != 0.4 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if got.Reasoning == nil || got.Reasoning.Effort != "high" {
		t.Errorf("reasoning = %+v", got.Reasoning)
	}
	if got.Reasoning.Exclude == nil || !*got.Reasoning.Exclude {
		t.Error("reasoning exclude not forwarded")
	}
	if len(got.Plugins) != 1 || got.Plugins[0].ID != "web" {
		t.Errorf("plugins = %+v", got.Plugins)
	}
	if got.Usage == nil || !got.Usage.Include {
		t.Error("usage accounting not requested")
	}
}

func TestStream_AuthFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","code":401}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Stream(context.Background(), &Request{})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", calls)
	}
}

func TestStream_ServerErrorRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	body, err := testClient(srv.URL).Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	body.Close()

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestStream_RetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.maxRetries = 0

	_, err := c.Stream(context.Background(), &Request{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err %v is not a RateLimitError", err)
	}
	if rle.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v", rle.RetryAfter)
	}
}

func TestStream_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels the request context (net/http defers its background read
		// until the request body is consumed).
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testClient(srv.URL).Stream(ctx, &Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"id":"acme/smart","name":"Smart","context_length":200000,"pricing":{"prompt":"0.000001","completion":"0.000002"}}]}`)
	}))
	defer srv.Close()

	models, err := testClient(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "acme/smart" || models[0].ContextSize != 200000 {
		t.Errorf("models = %+v", models)
	}
}

func TestHandleErrorResponse_Fallbacks(t *testing.T) {
	c := testClient("http://example.com")

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthFailed},
		{http.StatusPaymentRequired, ErrInsufficientCredits},
		{http.StatusNotFound, ErrModelNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		if err := c.handleErrorResponse(resp, []byte("not json")); !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}
