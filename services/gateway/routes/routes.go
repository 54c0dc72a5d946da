// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/quillworks/quill/services/gateway/handlers"
	"github.com/quillworks/quill/services/gateway/history"
	"github.com/quillworks/quill/services/gateway/middleware"
	"github.com/quillworks/quill/services/gateway/registry"
	"github.com/quillworks/quill/services/gateway/services"
)

// Deps carries everything the route table needs.
type Deps struct {
	Registry    *registry.Registry
	TurnService *services.TurnService
	Turns       history.TurnStore
	Attachments history.AttachmentStore

	// RateLimit may be nil to disable client rate limiting.
	RateLimit *middleware.RateLimiter

	// HealthProbes are dependency checks surfaced at /healthz.
	HealthProbes []handlers.Probe
}

// SetupRoutes installs middleware and the API route table.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("quill-gateway"))
	router.Use(middleware.RequestID())

	router.GET("/healthz", handlers.HealthCheck(deps.HealthProbes...))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if deps.RateLimit != nil {
		v1.Use(deps.RateLimit.Middleware())
	}
	{
		v1.POST("/turn", handlers.HandleTurn(deps.TurnService))
		v1.GET("/models", handlers.HandleListModels(deps.Registry))
		v1.GET("/conversations/:conversationId/history", handlers.HandleConversationHistory(deps.Turns))
		v1.POST("/attachments", handlers.HandleAttachmentUpload(deps.Attachments))
		v1.DELETE("/attachments/:attachmentId", handlers.HandleAttachmentDelete(deps.Attachments))
	}
}
