// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// =============================================================================
// Configuration
// =============================================================================

// RateLimitConfig controls the per-user token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero or less disables limiting.
	RequestsPerSecond float64

	// Burst is the bucket size. Default: 1
	Burst int

	// IdleTTL evicts buckets of users idle longer than this. Default: 10m
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns 2 requests per second with a burst of 5.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 2,
		Burst:             5,
		IdleTTL:           10 * time.Minute,
	}
}

// =============================================================================
// Limiter
// =============================================================================

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter keeps one token bucket per user.
//
// # Thread Safety
//
// Safe for concurrent use.
type UserRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*userBucket
	cfg     RateLimitConfig
	now     func() time.Time
	sweeps  int
}

// NewUserRateLimiter creates a limiter. Zero Burst and IdleTTL get defaults.
func NewUserRateLimiter(cfg RateLimitConfig) *UserRateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &UserRateLimiter{
		buckets: make(map[string]*userBucket),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Enabled reports whether limiting is active.
func (l *UserRateLimiter) Enabled() bool {
	return l.cfg.RequestsPerSecond > 0
}

// Reserve takes one token for userID.
//
// # Outputs
//
//   - bool: True when the request may proceed.
//   - time.Duration: Wait until the next token when refused.
func (l *UserRateLimiter) Reserve(userID string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweepLocked drops idle buckets every 256 calls.
func (l *UserRateLimiter) sweepLocked(now time.Time) {
	l.sweeps++
	if l.sweeps%256 != 0 {
		return
	}
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, id)
		}
	}
}

// Len returns the number of tracked users.
func (l *UserRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// =============================================================================
// Middleware
// =============================================================================

// RateLimit refuses requests beyond the caller's rate with 429.
//
// # Description
//
// Must run after AuthMiddleware; the bucket key is AuthInfo.UserID, or the
// client IP when no identity is present. Refused responses carry a
// Retry-After header in whole seconds.
//
// # Examples
//
//	v1.Use(middleware.AuthMiddleware(provider), middleware.RateLimit(limiter))
func RateLimit(limiter *UserRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || !limiter.Enabled() {
			c.Next()
			return
		}

		key := c.ClientIP()
		if info := GetAuthInfo(c); info != nil && info.UserID != "" {
			key = info.UserID
		}

		ok, wait := limiter.Reserve(key)
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			slog.Warn("Rate limit exceeded",
				"requestId", GetRequestID(c),
				"path", c.FullPath(),
				"retryAfterSeconds", retryAfter,
			)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
				Error:     "rate limit exceeded",
				RequestID: GetRequestID(c),
			})
			return
		}
		c.Next()
	}
}
