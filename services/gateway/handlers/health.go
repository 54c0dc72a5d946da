// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds each health probe so a stuck dependency cannot
// hang the endpoint.
const probeTimeout = 2 * time.Second

// Probe is one named health check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthCheck reports gateway liveness and dependency health.
//
// GET /healthz
//
// Probes run concurrently; the endpoint returns 200 when all pass and
// 503 with the failing components otherwise. With no probes configured
// it is a plain liveness check.
func HealthCheck(probes ...Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		var mu sync.Mutex
		failures := make(map[string]string)

		g, ctx := errgroup.WithContext(ctx)
		for _, p := range probes {
			g.Go(func() error {
				if err := p.Check(ctx); err != nil {
					mu.Lock()
					failures[p.Name] = err.Error()
					mu.Unlock()
				}
				// Failures are collected, not returned: one bad
				// dependency must not cancel the other probes.
				return nil
			})
		}
		_ = g.Wait()

		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "degraded",
				"failures": failures,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
