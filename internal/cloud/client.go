// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the OpenRouter transport for loom.
//
// OpenRouter fronts multiple LLM providers behind a single chat-completions
// API. This package builds requests from resolved generation options and
// returns the raw SSE response body; decoding the stream into domain events
// is the stream package's job.
package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/loom/internal/config"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of connection attempts before a
	// stream open is failed.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay caps the exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize bounds non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024
)

var (
	// sharedHTTPClient serves non-streaming requests with connection pooling.
	sharedHTTPClient = &http.Client{
		Transport: sharedTransport,
		Timeout:   DefaultTimeout,
	}

	// sharedStreamingClient serves SSE requests. No client timeout: stream
	// lifetime is controlled by the request context.
	sharedStreamingClient = &http.Client{
		Transport: sharedTransport,
	}

	sharedTransport = &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrAuthFailed indicates authentication failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// APIError represents an error response from the OpenRouter API.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("OpenRouter error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// RateLimitError carries the server-requested retry delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows RateLimitError to match ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is a single message in a chat-completions request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// Request is a streaming chat-completions request.
type Request struct {
	Messages []ChatMessage
	Options  config.Resolved
}

// reasoningBody is the OpenRouter reasoning request block.
type reasoningBody struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Exclude   *bool  `json:"exclude,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// pluginBody enables an OpenRouter plugin such as web search.
type pluginBody struct {
	ID string `json:"id"`
}

// requestBody is the wire shape of a chat-completions request.
type requestBody struct {
	Model       string         `json:"model"`
	Messages    []ChatMessage  `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Reasoning   *reasoningBody `json:"reasoning,omitempty"`
	Plugins     []pluginBody   `json:"plugins,omitempty"`
	Usage       *usageOptions  `json:"usage,omitempty"`
}

// usageOptions asks the provider to append a usage accounting chunk.
type usageOptions struct {
	Include bool `json:"include"`
}

// body builds the wire request from the resolved options.
func (r *Request) body() requestBody {
	b := requestBody{
		Model:    r.Options.Model,
		Messages: r.Messages,
		Stream:   true,
		Usage:    &usageOptions{Include: true},
	}
	b.Temperature = r.Options.Temperature
	b.TopP = r.Options.TopP
	b.MaxTokens = r.Options.MaxTokens

	if rs := r.Options.Reasoning; rs != nil {
		b.Reasoning = &reasoningBody{
			Effort:    rs.Effort,
			MaxTokens: rs.MaxTokens,
			Exclude:   rs.Exclude,
			Enabled:   rs.Enabled,
		}
	}
	if r.Options.WebSearch {
		b.Plugins = []pluginBody{{ID: "web"}}
	}
	return b
}

// =============================================================================
// TRANSPORT INTERFACE
// =============================================================================

// Transport opens a streaming chat completion and returns the raw SSE body.
// The caller owns the returned reader and must close it.
type Transport interface {
	Stream(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is an OpenRouter API client.
type Client struct {
	apiKey     string
	baseURL    string
	maxRetries int
	siteURL    string
	siteName   string

	// limiter paces request starts so bursts of regenerations do not trip
	// provider rate limits.
	limiter *rate.Limiter
}

// NewClient creates a client for the given endpoint and API key.
//
// If the API key is empty the client is still created but Stream requests
// fail with ErrNotConfigured.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxRetries: DefaultMaxRetries,
		siteURL:    "https://loom.local",
		siteName:   "loom",
		limiter:    rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
	}
}

// WithMaxRetries sets the connection retry count.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// setHeaders sets the standard request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "loom/0.1.0")

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// calculateBackoff returns the delay before the given retry attempt.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// apiErrorResponse is the error envelope the API returns on failure.
type apiErrorResponse struct {
	Error struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// handleErrorResponse maps a non-200 response to an error value.
func (c *Client) handleErrorResponse(resp *http.Response, body []byte) error {
	status := resp.StatusCode

	if status == http.StatusTooManyRequests {
		return c.rateLimitError(resp)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		wrapped := &APIError{
			Code:    apiErr.Error.Code.String(),
			Message: apiErr.Error.Message,
			Status:  status,
		}
		switch status {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailed, wrapped.Message)
		case http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", ErrInsufficientCredits, wrapped.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrModelNotFound, wrapped.Message)
		default:
			return wrapped
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case http.StatusNotFound:
		return ErrModelNotFound
	default:
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
}

// rateLimitError builds a RateLimitError from the Retry-After header.
func (c *Client) rateLimitError(resp *http.Response) error {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return ErrRateLimited
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Duration(seconds) * time.Second}
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Until(t)}
	}
	return ErrRateLimited
}

// =============================================================================
// STREAM OPEN
// =============================================================================

// Stream opens a streaming chat completion and returns the response body.
//
// Connection-level failures and 5xx responses before any stream content are
// retried with exponential backoff; 4xx responses are not. Once the body is
// returned all retry responsibility moves to the caller, because content may
// already have been consumed.
func (c *Client) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(req.body())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(httpReq)
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")

		resp, err := sharedStreamingClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		herr := c.handleErrorResponse(resp, respBody)

		// 4xx failures other than rate limiting are permanent.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests {
			return nil, herr
		}
		lastErr = herr
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// Pricing is the per-token pricing for a model.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// ModelInfo describes an available model.
type ModelInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ContextSize int     `json:"context_length"`
	Pricing     Pricing `json:"pricing"`
}

type modelsResponse struct {
	Data []ModelInfo `json:"data"`
}

// ListModels retrieves the available models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "loom/0.1.0")

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, body)
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	return parsed.Data, nil
}
