// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/providers"
)

// apologyText is returned in place of model output when every attempt at
// the backend fails. A turn degrades; it does not error out.
const apologyText = "I'm sorry, but I wasn't able to reach the model backend to " +
	"complete this request. Please try again in a moment."

// visionPrompt asks a vision-capable model to transcribe an image for use
// as assembled context.
const visionPrompt = "Describe this image in detail. Transcribe any text it " +
	"contains verbatim. Respond with the description only."

// Router dispatches turn requests to provider adapters based on the model
// registry, gating requested features against each model's capability
// profile.
//
// # Soft Failure
//
// When the adapter fails after the transport has exhausted its retry
// budget, Route returns an apology result flagged as degraded instead of
// an error. Only an unknown model identifier is a hard error, because the
// caller can correct it.
type Router struct {
	registry *Registry
	adapters map[string]providers.Adapter
	logger   *slog.Logger
}

// NewRouter builds a router over the given registry and adapters.
func NewRouter(reg *Registry, adapters ...providers.Adapter) *Router {
	byName := make(map[string]providers.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Router{
		registry: reg,
		adapters: byName,
		logger:   slog.Default().With(slog.String("component", "router")),
	}
}

// Resolve maps a registry model id to its config and serving adapter.
// Returns ErrUnknownModel for ids with no registry entry, and an error
// when the entry names a provider with no registered adapter.
func (rt *Router) Resolve(modelID string) (ModelConfig, providers.Adapter, error) {
	model, err := rt.registry.Lookup(modelID)
	if err != nil {
		return ModelConfig{}, nil, err
	}
	adapter, ok := rt.adapters[model.Provider]
	if !ok {
		return ModelConfig{}, nil, fmt.Errorf("model %q names provider %q with no registered adapter", modelID, model.Provider)
	}
	return model, adapter, nil
}

// Route sends one turn to the adapter serving modelID. Requested feature
// flags are ANDed with the model's capability profile before dispatch.
// The boolean reports degraded delivery: true means the backend failed
// and the result carries apology content instead of model output.
func (rt *Router) Route(ctx context.Context, modelID string, req providers.Request) (*providers.Result, bool, error) {
	model, adapter, err := rt.Resolve(modelID)
	if err != nil {
		return nil, false, err
	}

	req.Model = model.Model
	req = gate(req, model.Capabilities, rt.logger)

	result, err := adapter.Invoke(ctx, req)
	if err != nil {
		rt.logger.Error("backend invocation failed, degrading turn",
			slog.String("model", modelID),
			slog.String("provider", model.Provider),
			slog.String("error", err.Error()),
		)
		return fallbackResult(req.Canvas), true, nil
	}
	return result, false, nil
}

// DescribeImage runs vision extraction through the first vision-capable
// model in the catalog. Satisfies the extractor's describer contract.
func (rt *Router) DescribeImage(ctx context.Context, name, mime string, data []byte) (string, error) {
	model, ok := rt.visionModel()
	if !ok {
		return "", fmt.Errorf("no vision-capable model in registry")
	}
	adapter, ok := rt.adapters[model.Provider]
	if !ok {
		return "", fmt.Errorf("vision model %q names provider %q with no registered adapter", model.ID, model.Provider)
	}

	result, err := adapter.Invoke(ctx, providers.Request{
		Model: model.Model,
		Messages: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: visionPrompt},
		},
		Image: &providers.ImageInput{MIME: mime, Data: data},
	})
	if err != nil {
		return "", fmt.Errorf("describe %s via %s: %w", name, model.ID, err)
	}
	return result.Text, nil
}

// visionModel picks the first vision-capable model in id order, so the
// choice is stable across restarts.
func (rt *Router) visionModel() (ModelConfig, bool) {
	for _, m := range rt.registry.Models() {
		if m.Capabilities.Vision {
			if _, ok := rt.adapters[m.Provider]; ok {
				return m, true
			}
		}
	}
	return ModelConfig{}, false
}

// gate drops requested features the model cannot serve.
func gate(req providers.Request, caps Capabilities, logger *slog.Logger) providers.Request {
	if req.Reasoning && !caps.Reasoning {
		req.Reasoning = false
	}
	if req.WebSearch && !caps.WebSearch {
		req.WebSearch = false
	}
	if req.Canvas && !caps.Canvas {
		req.Canvas = false
	}
	if req.Image != nil && !caps.Vision {
		logger.Warn("dropping image input, model lacks vision capability")
		req.Image = nil
	}
	return req
}

// fallbackResult shapes the apology for the requested output target. In
// canvas mode the apology rides in the canvas block so the client surface
// the user is looking at carries it.
func fallbackResult(canvasMode bool) *providers.Result {
	result := &providers.Result{Text: apologyText}
	if canvasMode {
		result.Canvas = &providers.CanvasBlock{
			Title:   "Request could not be completed",
			Content: apologyText,
		}
	}
	return result
}
