// internal/llmclient/ratelimit.go
package llmclient

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/sourabhkumawat/healops/api/schemas"
)

// RateLimitedClient throttles calls to a shared provider quota. Concurrent
// runs in one process share a single limiter.
type RateLimitedClient struct {
	next    schemas.LLMClient
	limiter *rate.Limiter
}

// NewLimiter builds a limiter for rps requests per second. A non-positive
// rps disables limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// NewRateLimitedClient wraps next with limiter, which may be shared.
func NewRateLimitedClient(next schemas.LLMClient, limiter *rate.Limiter) *RateLimitedClient {
	return &RateLimitedClient{next: next, limiter: limiter}
}

// Generate waits for a token, then delegates.
func (c *RateLimitedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limiter: %w", err)
	}
	return c.next.Generate(ctx, req)
}

// Close closes the wrapped client.
func (c *RateLimitedClient) Close() error { return c.next.Close() }
