// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/transport"
)

var ollamaTracer = otel.Tracer("quill.gateway.providers.ollama")

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64, vision models only
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// OllamaAdapter speaks the local Ollama chat API. Reasoning, web search,
// and canvas have no wire shape here; the router never sets them for
// models on this provider.
type OllamaAdapter struct {
	transport *transport.Client
	policy    transport.RetryPolicy
	baseURL   string
}

// NewOllamaAdapter builds the adapter from OLLAMA_BASE_URL.
func NewOllamaAdapter(tc *transport.Client) (*OllamaAdapter, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
		slog.Warn("OLLAMA_BASE_URL not set, defaulting", "base_url", baseURL)
	}
	return &OllamaAdapter{
		transport: tc,
		policy:    transport.DefaultRetryPolicy(),
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (o *OllamaAdapter) Name() string { return "ollama" }

// Invoke implements the Adapter interface.
func (o *OllamaAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaAdapter.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(req.Messages)))

	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	if req.Image != nil && len(messages) > 0 {
		messages[len(messages)-1].Images = []string{
			base64.StdEncoding.EncodeToString(req.Image.Data),
		}
	}

	options := map[string]any{"temperature": 0.2}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling ollama request: %w", err)
	}

	resp, err := o.transport.Perform(ctx, transport.RequestSpec{
		Method: http.MethodPost,
		URL:    o.baseURL + "/api/chat",
		Body:   body,
	}, o.policy)
	recordAttempts(o.Name(), resp, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body, &errResp)
		perr := newProviderError(o.Name(), resp.StatusCode, errResp.Error)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	var wire ollamaChatResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("parsing ollama response: %w", err)
	}
	if wire.Message.Role != datatypes.RoleAssistant {
		slog.Warn("ollama response role was not assistant", "role", wire.Message.Role)
	}

	return &Result{
		Text: wire.Message.Content,
		Usage: &datatypes.TokenUsage{
			InputTokens:  wire.PromptEvalCount,
			OutputTokens: wire.EvalCount,
		},
	}, nil
}
