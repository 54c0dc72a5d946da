// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client.
	RequestsPerSecond float64

	// Burst is the bucket size: how many requests a client can issue
	// at once after idling.
	Burst int

	// IdleEviction is how long an idle client's bucket is kept before
	// it is dropped. Zero disables eviction.
	IdleEviction time.Duration
}

// DefaultRateLimitConfig allows a modest sustained rate with room for
// interactive bursts.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		IdleEviction:      10 * time.Minute,
	}
}

// clientBucket pairs a limiter with its last-use time for eviction.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client IP. Safe for concurrent
// use.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*clientBucket
}

// NewRateLimiter builds a limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*clientBucket),
	}
}

// Middleware returns the Gin handler enforcing the limit. Rejected
// requests get 429 with a retry hint.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// allow consults (and lazily creates) the client's bucket.
func (rl *RateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[clientIP]
	if !ok {
		rl.evictIdleLocked(now)
		b = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		}
		rl.buckets[clientIP] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// evictIdleLocked drops buckets idle past the eviction window. Called
// with the mutex held, only on the new-client path so the common path
// stays cheap.
func (rl *RateLimiter) evictIdleLocked(now time.Time) {
	if rl.cfg.IdleEviction <= 0 {
		return
	}
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.cfg.IdleEviction {
			delete(rl.buckets, ip)
		}
	}
}
