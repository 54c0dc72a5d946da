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

const (
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"

	// Default generation budget; raised when extended thinking needs
	// headroom for both reasoning and the answer.
	anthropicDefaultMaxTokens = 4096
	anthropicThinkingBudget   = 2048
	anthropicThinkingHeadroom = 2048
)

var anthropicTracer = otel.Tracer("quill.gateway.providers.anthropic")

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`

	Thinking *thinkingParams `json:"thinking,omitempty"`
	Tools    []anthropicTool `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role string `json:"role"`
	// Content is either a plain string or a block list (for vision input).
	Content any `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

type anthropicImageBlock struct {
	Type   string               `json:"type"` // "image"
	Source anthropicImageSource `json:"source"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type thinkingParams struct {
	Type         string `json:"type"` // must be "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   *anthropicUsage    `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicAdapter speaks the Anthropic messages wire format.
type AnthropicAdapter struct {
	transport *transport.Client
	policy    transport.RetryPolicy
	baseURL   string
	apiKey    string
}

// NewAnthropicAdapter builds the adapter from ANTHROPIC_API_KEY (with a
// /run/secrets/anthropic_api_key fallback) and ANTHROPIC_BASE_URL.
func NewAnthropicAdapter(tc *transport.Client) (*AnthropicAdapter, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/anthropic_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API key from secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}

	baseURL := os.Getenv("ANTHROPIC_BASE_URL")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &AnthropicAdapter{
		transport: tc,
		policy:    transport.DefaultRetryPolicy(),
		baseURL:   baseURL,
		apiKey:    apiKey,
	}, nil
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Invoke implements the Adapter interface.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, span := anthropicTracer.Start(ctx, "AnthropicAdapter.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	body, err := json.Marshal(a.adapt(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling anthropic request: %w", err)
	}

	resp, err := a.transport.Perform(ctx, transport.RequestSpec{
		Method: http.MethodPost,
		URL:    a.baseURL,
		Header: http.Header{
			"X-Api-Key":         []string{a.apiKey},
			"Anthropic-Version": []string{anthropicAPIVersion},
			"Content-Type":      []string{"application/json"},
		},
		Body: body,
	}, a.policy)
	recordAttempts(a.Name(), resp, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		perr := newProviderError(a.Name(), resp.StatusCode, parseAnthropicError(resp.Body))
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	return a.parse(resp.Body, req.Canvas)
}

// adapt translates the canonical request into the Anthropic wire shape.
// System turns move to the top-level system field.
func (a *AnthropicAdapter) adapt(req Request) anthropicRequest {
	var system []string
	var messages []anthropicMessage
	for _, m := range req.Messages {
		if m.Role == datatypes.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	if req.Image != nil && len(messages) > 0 {
		last := len(messages) - 1
		text, _ := messages[last].Content.(string)
		messages[last].Content = []any{
			anthropicTextBlock{Type: "text", Text: text},
			anthropicImageBlock{Type: "image", Source: anthropicImageSource{
				Type:      "base64",
				MediaType: req.Image.MIME,
				Data:      base64.StdEncoding.EncodeToString(req.Image.Data),
			}},
		}
	}

	wire := anthropicRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    strings.Join(system, "\n\n"),
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if req.Reasoning {
		wire.Thinking = &thinkingParams{Type: "enabled", BudgetTokens: anthropicThinkingBudget}
		if floor := anthropicThinkingBudget + anthropicThinkingHeadroom; wire.MaxTokens < floor {
			wire.MaxTokens = floor
		}
	}
	if req.WebSearch {
		wire.Tools = append(wire.Tools, anthropicTool{Type: "web_search_20250305", Name: "web_search"})
	}
	return wire
}

// parse concatenates the text blocks and, when wantCanvas is set, lifts
// the first tagged canvas block out of the assembled text. Thinking blocks
// are logged, never surfaced.
func (a *AnthropicAdapter) parse(body []byte, wantCanvas bool) (*Result, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing anthropic response: %w", err)
	}
	if wire.Error != nil {
		return nil, newProviderError(a.Name(), http.StatusOK, wire.Error.Message)
	}

	var sb strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
		case "thinking":
			slog.Debug("model thinking block", "length", len(block.Thinking))
		}
	}
	if sb.Len() == 0 {
		return nil, newProviderError(a.Name(), http.StatusOK, "response contained no text block")
	}

	result := &Result{Text: sb.String()}
	if wire.Usage != nil {
		result.Usage = &datatypes.TokenUsage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		}
	}
	if wantCanvas {
		result.Canvas, result.Text = extractCanvasBlock(result.Text)
	}
	return result, nil
}

func parseAnthropicError(body []byte) string {
	var envelope struct {
		Error *anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return ""
	}
	return envelope.Error.Message
}
