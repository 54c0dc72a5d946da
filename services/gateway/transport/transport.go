// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport wraps a single outbound HTTP call with per-attempt
// timeouts, retry classification, and exponential backoff.
//
// The wrapper is stateless: all retry state is local to one Perform call.
// Provider adapters build a RequestSpec and interpret whatever status the
// transport hands back; the transport only decides whether a failure is
// worth another attempt.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Default policy values applied by DefaultRetryPolicy.
const (
	// DefaultTimeout bounds a single attempt, not the whole call.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2

	// DefaultBaseDelay is the backoff before the first retry.
	DefaultBaseDelay = 600 * time.Millisecond

	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 2500 * time.Millisecond
)

// RetryPolicy configures one outbound call.
type RetryPolicy struct {
	// Timeout bounds each individual attempt. Exceeding it cancels that
	// attempt and, budget permitting, starts a fresh one from scratch.
	Timeout time.Duration

	// MaxRetries is the number of retries after the initial attempt,
	// so total attempts = MaxRetries + 1.
	MaxRetries int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the standard outbound-call policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Validate checks the policy for usable values.
func (p RetryPolicy) Validate() error {
	if p.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if p.MaxRetries < 0 {
		return errors.New("max_retries must be non-negative")
	}
	if p.BaseDelay <= 0 {
		return errors.New("base_delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("max_delay must be at least base_delay")
	}
	return nil
}

// Backoff returns the delay applied after the given zero-based attempt:
// min(MaxDelay, BaseDelay * 2^attempt). The sequence is non-decreasing.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RequestSpec describes one outbound HTTP request.
type RequestSpec struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the outcome of a completed attempt. Non-2xx statuses that are
// not retryable come back here for caller interpretation.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is how many attempts were made, including the final one.
	Attempts int
}

// NetworkError reports that every attempt failed on a classified-retryable
// condition (or the single attempt failed on a non-retryable transport
// error). It wraps the last underlying error.
type NetworkError struct {
	Attempts   int
	LastStatus int // 0 when the last attempt never produced a response
	Err        error
}

func (e *NetworkError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("request failed after %d attempts: last status %d", e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Client performs resilient outbound calls. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a transport client. The underlying http.Client carries
// no global timeout; each attempt is bounded by the policy's Timeout via
// its own context.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     slog.Default().With(slog.String("component", "transport")),
	}
}

// Perform executes the request with at most policy.MaxRetries+1 attempts.
//
// Retry triggers: HTTP 429, HTTP 5xx, attempt timeout, connection errors,
// DNS resolution failures. Any other status returns immediately with the
// response body for the caller to interpret. An attempt that times out is
// abandoned and replaced by a fresh one; nothing is resumed.
//
// Outputs:
//   - *Response: the final attempt's response. Non-nil iff error is nil.
//   - error: *NetworkError when the retry budget is exhausted or a
//     non-retryable transport error occurred; ctx.Err() when the caller's
//     context ended.
func (c *Client) Perform(ctx context.Context, spec RequestSpec, policy RetryPolicy) (*Response, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	var lastErr error
	lastStatus := 0

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Backoff(attempt - 1)
			c.logger.Warn("retrying request",
				slog.String("url", spec.URL),
				slog.Int("attempt", attempt+1),
				slog.Int64("backoff_ms", delay.Milliseconds()),
				slog.Int("last_status", lastStatus),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.attempt(ctx, spec, policy.Timeout)
		if err != nil {
			// The caller's own context ending is terminal regardless of
			// classification.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastStatus = 0
			if !isRetryableErr(err) {
				return nil, &NetworkError{Attempts: attempt + 1, Err: err}
			}
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(resp.Body))
			lastStatus = resp.StatusCode
			continue
		}

		resp.Attempts = attempt + 1
		return resp, nil
	}

	return nil, &NetworkError{
		Attempts:   policy.MaxRetries + 1,
		LastStatus: lastStatus,
		Err:        lastErr,
	}
}

// attempt runs one time-bounded request.
func (c *Client) attempt(ctx context.Context, spec RequestSpec, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, spec.Method, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range spec.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(spec.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// retryableStatus reports whether a status code warrants another attempt.
// 429 signals rate limiting, 5xx a transient server fault. Everything else,
// including 4xx application errors, goes back to the caller untouched.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// isRetryableErr classifies transport-level failures.
//
// Retryable: attempt timeout, connection reset/refused (net.OpError), DNS
// resolution failure, other timeout-flagged net errors. Context cancellation
// by the caller is handled before this is consulted.
func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Attempt deadline exceeded - retryable, a fresh attempt gets a
	// fresh budget.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// Connection-level faults (reset, refused) surface as OpError.
	// Check before net.Error since OpError implements it.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// truncateBody keeps error messages bounded when a provider returns a
// large failure payload.
func truncateBody(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
