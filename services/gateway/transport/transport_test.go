// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{
			name:    "default policy is valid",
			policy:  DefaultRetryPolicy(),
			wantErr: false,
		},
		{
			name:    "zero timeout is invalid",
			policy:  RetryPolicy{Timeout: 0, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			wantErr: true,
		},
		{
			name:    "negative retries is invalid",
			policy:  RetryPolicy{Timeout: time.Second, MaxRetries: -1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			wantErr: true,
		},
		{
			name:    "max delay below base delay is invalid",
			policy:  RetryPolicy{Timeout: time.Second, MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond},
			wantErr: true,
		},
		{
			name:    "zero retries is valid",
			policy:  RetryPolicy{Timeout: time.Second, MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_Backoff_Sequence(t *testing.T) {
	policy := DefaultRetryPolicy()

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := policy.Backoff(attempt)
		if d < prev {
			t.Errorf("Backoff(%d) = %v, less than previous %v", attempt, d, prev)
		}
		if d > policy.MaxDelay {
			t.Errorf("Backoff(%d) = %v exceeds cap %v", attempt, d, policy.MaxDelay)
		}
		prev = d
	}

	if got := policy.Backoff(0); got != 600*time.Millisecond {
		t.Errorf("Backoff(0) = %v, want 600ms", got)
	}
	if got := policy.Backoff(1); got != 1200*time.Millisecond {
		t.Errorf("Backoff(1) = %v, want 1200ms", got)
	}
	if got := policy.Backoff(2); got != 2400*time.Millisecond {
		t.Errorf("Backoff(2) = %v, want 2400ms", got)
	}
	if got := policy.Backoff(3); got != 2500*time.Millisecond {
		t.Errorf("Backoff(3) = %v, want capped 2500ms", got)
	}
}

func TestPerform_SuccessFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "POST", URL: srv.URL, Body: []byte(`{}`)}, testPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

func TestPerform_RecoversAfterServerErrors(t *testing.T) {
	// 500, 500, then 200: exactly three attempts, final success returned.
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	resp, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "POST", URL: srv.URL}, testPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
	if resp.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", resp.Attempts)
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("Body = %q, want %q", resp.Body, "recovered")
	}
}

func TestPerform_NoRetryOnClientError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such model"))
	}))
	defer srv.Close()

	resp, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "POST", URL: srv.URL}, testPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hit %d times, want 1 (404 must not be retried)", got)
	}
}

func TestPerform_RetryOnRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "POST", URL: srv.URL}, testPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", resp.Attempts)
	}
}

func TestPerform_ExhaustedBudget(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	policy := testPolicy()
	_, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "POST", URL: srv.URL}, policy)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %T, want *NetworkError", err)
	}
	if netErr.Attempts != policy.MaxRetries+1 {
		t.Errorf("Attempts = %d, want %d", netErr.Attempts, policy.MaxRetries+1)
	}
	if netErr.LastStatus != http.StatusServiceUnavailable {
		t.Errorf("LastStatus = %d, want 503", netErr.LastStatus)
	}
	if got := atomic.LoadInt32(&hits); got != int32(policy.MaxRetries+1) {
		t.Errorf("server hit %d times, want %d", got, policy.MaxRetries+1)
	}
}

func TestPerform_ConnectionErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listening: connection refused on every attempt

	policy := testPolicy()
	_, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "GET", URL: url}, policy)
	if err == nil {
		t.Fatal("expected error")
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %T, want *NetworkError", err)
	}
	if netErr.Attempts != policy.MaxRetries+1 {
		t.Errorf("Attempts = %d, want %d", netErr.Attempts, policy.MaxRetries+1)
	}
}

func TestPerform_AttemptTimeoutStartsFresh(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			time.Sleep(200 * time.Millisecond) // blow the per-attempt budget once
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := testPolicy()
	policy.Timeout = 50 * time.Millisecond

	resp, err := NewClient().Perform(context.Background(),
		RequestSpec{Method: "GET", URL: srv.URL}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", resp.Attempts)
	}
}

func TestPerform_CallerCancellationStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient().Perform(ctx, RequestSpec{Method: "GET", URL: srv.URL}, testPolicy())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestIsRetryableErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancellation", context.Canceled, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableErr(tt.err); got != tt.want {
				t.Errorf("isRetryableErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
