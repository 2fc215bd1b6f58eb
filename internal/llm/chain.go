package llm

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/devforgehq/forged/internal/fault"
)

// Chain fans a request across an ordered provider list: the first entry is
// primary, the rest are fallbacks. A provider is abandoned for the next one
// when its own retry budget is exhausted on a retryable fault. InvalidInput
// surfaces immediately — a malformed request will not get better downstream.
type Chain struct {
	providers []Provider

	// healthy is 1 when the last call (or probe) against any provider
	// succeeded, 0 when the whole chain was exhausted. Read by /health.
	healthy atomic.Bool
}

// NewChain builds a chain. At least one provider is required.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{providers: providers}
	c.healthy.Store(true)
	return c
}

// Name identifies the chain by its primary provider.
func (c *Chain) Name() string {
	if len(c.providers) == 0 {
		return "empty"
	}
	return c.providers[0].Name()
}

// DefaultModel is the primary provider's default model.
func (c *Chain) DefaultModel() string {
	if len(c.providers) == 0 {
		return ""
	}
	return c.providers[0].DefaultModel()
}

// Healthy reports whether the chain serviced its last call.
func (c *Chain) Healthy() bool { return c.healthy.Load() }

// Complete tries each provider in order.
func (c *Chain) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for i, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			c.healthy.Store(true)
			return resp, nil
		}
		lastErr = err
		if !fault.Retryable(err) || ctx.Err() != nil {
			break
		}
		if i < len(c.providers)-1 {
			slog.Warn("llm provider failed, falling back",
				"provider", p.Name(), "next", c.providers[i+1].Name(), "error", err)
		}
	}
	c.noteExhausted(lastErr)
	return nil, lastErr
}

// Stream tries each provider in order. Fallback only happens before the
// first chunk is emitted: once tokens flow, a failure surfaces as-is.
func (c *Chain) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	var lastErr error
	for i, p := range c.providers {
		started := false
		resp, err := p.Stream(ctx, req, func(ch Chunk) {
			started = true
			onChunk(ch)
		})
		if err == nil {
			c.healthy.Store(true)
			return resp, nil
		}
		lastErr = err
		if started || !fault.Retryable(err) || ctx.Err() != nil {
			break
		}
		if i < len(c.providers)-1 {
			slog.Warn("llm provider failed before streaming, falling back",
				"provider", p.Name(), "next", c.providers[i+1].Name(), "error", err)
		}
	}
	c.noteExhausted(lastErr)
	return nil, lastErr
}

func (c *Chain) noteExhausted(err error) {
	if fault.Is(err, fault.KindUnavailable) || fault.Is(err, fault.KindRateLimited) {
		c.healthy.Store(false)
	}
}
