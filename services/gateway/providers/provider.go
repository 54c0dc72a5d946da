// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package providers contains the backend adapters for the gateway.
//
// Each adapter translates the canonical request into one backend's wire
// shape, sends it through the resilient transport, and normalizes the
// response into a Result. Adapters never retry; the transport owns that.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/observability"
	"github.com/quillworks/quill/services/gateway/transport"
)

// Request is the canonical provider-facing request.
//
// Feature fields arrive pre-gated: the router sets Reasoning, WebSearch,
// and Canvas only when both the caller asked and the model's static
// capability allows it. Adapters translate whatever is set and ignore
// features their backend has no wire shape for.
type Request struct {
	// Model is the provider-side model name (not the registry id).
	Model    string
	Messages []datatypes.Message

	Reasoning bool
	WebSearch bool
	Canvas    bool

	// Image carries optional vision input: one image to describe.
	Image *ImageInput

	MaxTokens int
}

// ImageInput is a single inline image for vision-capable models.
type ImageInput struct {
	MIME string
	Data []byte
}

// CanvasBlock is a tagged canvas document fragment extracted from a
// provider response. The canvas state machine assigns identity; adapters
// only carry title and content.
type CanvasBlock struct {
	Title   string
	Content string
}

// Result is the normalized outcome of one provider call. Canvas is nil
// for providers without canvas capability, and for canvas-capable ones
// whose response carried no tagged block.
type Result struct {
	Text   string
	Canvas *CanvasBlock
	Usage  *datatypes.TokenUsage
}

// Adapter is the contract every backend implements.
type Adapter interface {
	// Name returns the stable provider identifier used in the model
	// registry ("openai", "anthropic", "ollama").
	Name() string

	// Invoke sends one canonical request and returns the normalized
	// result. A non-2xx backend status yields a *ProviderError; transport
	// exhaustion yields a *transport.NetworkError.
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// ProviderError reports a non-2xx backend response. Carries the provider's
// own message when one could be parsed, else a generic fallback.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// newProviderError builds a ProviderError, substituting a generic message
// when the backend gave none.
func newProviderError(provider string, status int, message string) *ProviderError {
	if message == "" {
		message = "provider request failed"
	}
	return &ProviderError{Provider: provider, StatusCode: status, Message: message}
}

// recordAttempts feeds one backend call's transport attempt count into
// the gateway metrics when they are initialized. Calls that exhausted
// their retry budget carry the count in the transport error.
func recordAttempts(provider string, resp *transport.Response, err error) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	if resp != nil {
		m.RecordRetries(provider, resp.Attempts)
		return
	}
	var nerr *transport.NetworkError
	if errors.As(err, &nerr) {
		m.RecordRetries(provider, nerr.Attempts)
	}
}
