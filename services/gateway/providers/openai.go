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

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/transport"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

var openaiTracer = otel.Tracer("quill.gateway.providers.openai")

// OpenAIAdapter speaks the OpenAI chat completions wire format. It reuses
// the go-openai request/response structs but sends them through the
// gateway's resilient transport instead of the SDK's own client, so retry
// behavior stays uniform across backends.
type OpenAIAdapter struct {
	transport *transport.Client
	policy    transport.RetryPolicy
	baseURL   string
	apiKey    string
}

// NewOpenAIAdapter builds the adapter from OPENAI_API_KEY (with a
// /run/secrets/openai_api_key fallback) and OPENAI_BASE_URL.
func NewOpenAIAdapter(tc *transport.Client) (*OpenAIAdapter, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read OpenAI API key from secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is missing")
	}

	baseURL := strings.TrimSuffix(os.Getenv("OPENAI_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &OpenAIAdapter{
		transport: tc,
		policy:    transport.DefaultRetryPolicy(),
		baseURL:   baseURL,
		apiKey:    apiKey,
	}, nil
}

func (a *OpenAIAdapter) Name() string { return "openai" }

// Invoke implements the Adapter interface.
func (a *OpenAIAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIAdapter.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	payload := a.adapt(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling openai request: %w", err)
	}

	resp, err := a.transport.Perform(ctx, transport.RequestSpec{
		Method: http.MethodPost,
		URL:    a.baseURL + "/chat/completions",
		Header: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"Content-Type":  []string{"application/json"},
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
		perr := newProviderError(a.Name(), resp.StatusCode, parseOpenAIError(resp.Body))
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	return a.parse(resp.Body, req.Canvas)
}

// adapt translates the canonical request into the OpenAI wire shape.
func (a *OpenAIAdapter) adapt(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	if req.Image != nil && len(messages) > 0 {
		dataURL := fmt.Sprintf("data:%s;base64,%s",
			req.Image.MIME, base64.StdEncoding.EncodeToString(req.Image.Data))
		last := len(messages) - 1
		messages[last] = openai.ChatCompletionMessage{
			Role: messages[last].Role,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: req.Messages[last].Content},
				{Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		}
	}

	wire := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		wire.MaxCompletionTokens = req.MaxTokens
	}
	if req.Reasoning {
		wire.ReasoningEffort = "medium"
	}
	if req.WebSearch {
		wire.Tools = append(wire.Tools, openai.Tool{Type: "web_search_preview"})
	}
	return wire
}

// parse normalizes the wire response. When wantCanvas is set, the first
// tagged canvas block is lifted out of the message text.
func (a *OpenAIAdapter) parse(body []byte, wantCanvas bool) (*Result, error) {
	var wire openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing openai response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, newProviderError(a.Name(), http.StatusOK, "response contained no choices")
	}

	text := wire.Choices[0].Message.Content
	result := &Result{
		Text: text,
		Usage: &datatypes.TokenUsage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	if wantCanvas {
		result.Canvas, result.Text = extractCanvasBlock(text)
	}
	return result, nil
}

// parseOpenAIError pulls the provider's message out of an error envelope;
// empty string when the body is not the expected shape.
func parseOpenAIError(body []byte) string {
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return ""
	}
	return envelope.Error.Message
}
