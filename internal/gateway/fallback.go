// Package gateway orchestrates a chat request end to end: redaction,
// cache lookup, provider fallback, answer verification, cache write-back
// and interaction recording.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/provider"
)

// ErrNoProviders is returned when the chain has no providers configured.
var ErrNoProviders = errors.New("no providers configured")

// Attempt records one failed provider call during a fallback sweep.
type Attempt struct {
	Provider string
	Err      error
}

// AllProvidersFailedError reports that every provider in the chain failed,
// with the per-provider errors in attempt order.
type AllProvidersFailedError struct {
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Chain tries providers in configured order until one succeeds. Each
// attempt gets its own timeout so a hung provider cannot eat the whole
// request budget.
type Chain struct {
	providers      []provider.Provider
	attemptTimeout time.Duration
}

// NewChain builds a fallback chain; attemptTimeout <= 0 disables the
// per-attempt timeout (the request context still applies).
func NewChain(providers []provider.Provider, attemptTimeout time.Duration) *Chain {
	return &Chain{providers: providers, attemptTimeout: attemptTimeout}
}

// Providers returns the configured provider order.
func (c *Chain) Providers() []provider.Provider {
	return c.providers
}

// Generate runs the fallback sweep and returns the first successful
// answer along with the name of the provider that produced it. When
// preferred is non-empty and names a provider in the chain, that provider
// is tried first; the rest keep their configured order.
func (c *Chain) Generate(ctx context.Context, messages []provider.Message, temperature float32, preferred string) (string, string, error) {
	if len(c.providers) == 0 {
		return "", "", ErrNoProviders
	}

	order := c.providers
	if preferred != "" {
		order = reorder(c.providers, preferred)
	}

	var attempts []Attempt
	for _, p := range order {
		attemptCtx := ctx
		cancel := func() {}
		if c.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		}
		answer, err := p.Generate(attemptCtx, messages, temperature)
		cancel()
		if err == nil {
			return answer, p.Name(), nil
		}
		slog.Warn("provider attempt failed", "provider", p.Name(), "error", err)
		attempts = append(attempts, Attempt{Provider: p.Name(), Err: err})

		// The caller is gone or the deadline passed; further attempts
		// would fail the same way.
		if ctx.Err() != nil {
			break
		}
	}
	return "", "", &AllProvidersFailedError{Attempts: attempts}
}

// reorder moves the provider named preferred to the front, preserving the
// relative order of the rest. Unknown names leave the order unchanged.
func reorder(providers []provider.Provider, preferred string) []provider.Provider {
	for i, p := range providers {
		if p.Name() != preferred {
			continue
		}
		out := make([]provider.Provider, 0, len(providers))
		out = append(out, p)
		out = append(out, providers[:i]...)
		out = append(out, providers[i+1:]...)
		return out
	}
	return providers
}
