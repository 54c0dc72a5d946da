// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry maps model identifiers to provider backends and their
// capability profiles, and routes turn requests to the matching adapter.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrUnknownModel is returned when a model identifier has no registry entry.
var ErrUnknownModel = errors.New("unknown model")

// reloadDebounce batches rapid file events (editors often write twice).
const reloadDebounce = 200 * time.Millisecond

var validate = validator.New()

// Capabilities declares what a model can do. Requested features are gated
// against this profile; a feature the model lacks is silently dropped
// rather than failing the turn.
type Capabilities struct {
	Reasoning bool `yaml:"reasoning" json:"reasoning"`
	WebSearch bool `yaml:"web_search" json:"web_search"`
	Vision    bool `yaml:"vision" json:"vision"`
	Canvas    bool `yaml:"canvas" json:"canvas"`
}

// ModelConfig binds a public model identifier to a provider backend.
type ModelConfig struct {
	// ID is the identifier clients send in turn requests.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Provider names the adapter that serves this model ("openai",
	// "anthropic", "ollama").
	Provider string `yaml:"provider" json:"provider" validate:"required"`

	// Model is the provider-side model name passed on the wire.
	Model string `yaml:"model" json:"model" validate:"required"`

	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`
}

// registryFile is the on-disk YAML shape.
type registryFile struct {
	Models []ModelConfig `yaml:"models" validate:"required,min=1,dive"`
}

// defaultModels is the compiled-in catalog used when no registry file is
// configured or the configured file cannot be read at startup.
func defaultModels() []ModelConfig {
	return []ModelConfig{
		{
			ID: "gpt-5", Provider: "openai", Model: "gpt-5",
			Capabilities: Capabilities{Reasoning: true, WebSearch: true, Vision: true, Canvas: true},
		},
		{
			ID: "claude-sonnet", Provider: "anthropic", Model: "claude-sonnet-4-5",
			Capabilities: Capabilities{Reasoning: true, WebSearch: true, Vision: true, Canvas: true},
		},
		{
			ID: "llama-local", Provider: "ollama", Model: "llama3.1:8b",
			Capabilities: Capabilities{},
		},
	}
}

// Registry is a concurrency-safe model catalog with optional hot reload
// from a YAML file.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelConfig

	path     string
	logger   *slog.Logger
	stopOnce sync.Once
	done     chan struct{}
}

// NewRegistry returns a registry seeded with the compiled-in defaults.
func NewRegistry() *Registry {
	r := &Registry{
		models: make(map[string]ModelConfig),
		logger: slog.Default().With(slog.String("component", "registry")),
		done:   make(chan struct{}),
	}
	r.replace(defaultModels())
	return r
}

// LoadFile builds a registry from a YAML catalog. The returned registry
// can follow later edits to the file via Watch.
func LoadFile(path string) (*Registry, error) {
	r := NewRegistry()
	r.path = path

	models, err := parseFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model registry %s: %w", path, err)
	}
	r.replace(models)
	return r, nil
}

// parseFile reads and validates one registry file.
func parseFile(path string) ([]ModelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	seen := make(map[string]bool, len(file.Models))
	for _, m := range file.Models {
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return file.Models, nil
}

// replace swaps the catalog atomically.
func (r *Registry) replace(models []ModelConfig) {
	next := make(map[string]ModelConfig, len(models))
	for _, m := range models {
		next[m.ID] = m
	}

	r.mu.Lock()
	r.models = next
	r.mu.Unlock()
}

// Lookup resolves a model identifier.
func (r *Registry) Lookup(id string) (ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return m, nil
}

// Models lists the catalog sorted by identifier.
func (r *Registry) Models() []ModelConfig {
	r.mu.RLock()
	out := make([]ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch follows edits to the registry file and reloads the catalog. A
// reload that fails validation keeps the previous catalog and logs the
// error. Watch returns immediately; the watcher runs until the context
// is canceled or Close is called. It is an error to call Watch on a
// registry not built with LoadFile.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return errors.New("registry has no backing file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files via
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return err
	}

	go r.watchLoop(ctx, watcher)
	return nil
}

// Close stops a running watcher.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })
}

// watchLoop debounces file events and reloads the catalog.
func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			r.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("registry watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload re-reads the backing file, keeping the old catalog on failure.
func (r *Registry) reload() {
	models, err := parseFile(r.path)
	if err != nil {
		r.logger.Error("registry reload failed, keeping previous catalog",
			slog.String("path", r.path),
			slog.String("error", err.Error()),
		)
		return
	}
	r.replace(models)
	r.logger.Info("registry reloaded",
		slog.String("path", r.path),
		slog.Int("models", len(models)),
	)
}
