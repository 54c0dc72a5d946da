// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/quillworks/quill/services/gateway/history"
	"github.com/quillworks/quill/services/gateway/middleware"
	"github.com/quillworks/quill/services/gateway/providers"
	"github.com/quillworks/quill/services/gateway/registry"
	"github.com/quillworks/quill/services/gateway/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRouter struct{}

func (stubRouter) Route(context.Context, string, providers.Request) (*providers.Result, bool, error) {
	return &providers.Result{Text: "ok"}, false, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, name string, _ []byte) string { return name }

func newEngine() *gin.Engine {
	store := history.NewMemoryStore()
	reg := registry.NewRegistry()

	engine := gin.New()
	SetupRoutes(engine, Deps{
		Registry:    reg,
		TurnService: services.NewTurnService(store, store, stubRouter{}, stubExtractor{}, nil),
		Turns:       store,
		Attachments: store,
		RateLimit:   middleware.NewRateLimiter(middleware.DefaultRateLimitConfig()),
	})
	return engine
}

func TestRouteTable(t *testing.T) {
	engine := newEngine()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/models", http.StatusOK},
		{http.MethodPost, "/v1/turn", http.StatusBadRequest},           // no body
		{http.MethodPost, "/v1/attachments", http.StatusBadRequest},    // no multipart
		{http.MethodDelete, "/v1/attachments/x", http.StatusNotFound},  // unknown id
		{http.MethodGet, "/v1/conversations/x/history", http.StatusNotFound}, // unknown conversation
		{http.MethodGet, "/v1/ghost", http.StatusNotFound},             // unrouted
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequestIDEmitted(t *testing.T) {
	engine := newEngine()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}
