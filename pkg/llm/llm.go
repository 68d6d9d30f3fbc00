// Package llm delivers chat completions from whichever configured
// provider succeeds first. Concrete clients live in subpackages (oaichat
// for the OpenAI-wire services, gemini for Google); this package holds
// the shared interface and the failover orchestrator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/types"
)

// Common errors returned by LLM providers.
var (
	ErrNoProviders        = errors.New("no llm providers configured")
	ErrProvidersExhausted = errors.New("all llm providers failed")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrRateLimited        = errors.New("rate limited by llm provider")
	ErrEmptyResponse      = errors.New("provider returned an empty response")
)

// Chunk is one element of a token stream. A non-nil Err terminates the
// stream; the channel closes right after.
type Chunk struct {
	Token string
	Err   error
}

// Provider defines the capability every LLM backend implements.
type Provider interface {
	// Generate returns the whole completion for a message list.
	Generate(ctx context.Context, messages []types.Message) (string, error)

	// GenerateStream returns a lazy, single-pass token sequence. Token
	// order is exactly the provider's emission order. An error before
	// the first token is returned directly; later failures arrive as a
	// terminal Chunk.Err.
	GenerateStream(ctx context.Context, messages []types.Message) (<-chan Chunk, error)

	// Name identifies the provider for logging.
	Name() string
}

// breakerFailureThreshold trips a provider's circuit after this many
// consecutive failures; the breaker half-opens again after
// breakerCooldown.
const (
	breakerFailureThreshold = 3
	breakerCooldown         = 30 * time.Second
)

// Orchestrator tries providers in fixed order until one succeeds. Each
// provider sits behind a circuit breaker so a dead service stops eating
// its failure timeout on every request.
type Orchestrator struct {
	providers []Provider
	breakers  []*gobreaker.CircuitBreaker
	logger    *zap.Logger

	// OnFailover, when set, observes every failed hop of the chain.
	OnFailover func(provider string)
}

// NewOrchestrator creates an orchestrator over an ordered provider list.
func NewOrchestrator(providers []Provider, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	breakers := make([]*gobreaker.CircuitBreaker, len(providers))
	for i, p := range providers {
		breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    p.Name(),
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureThreshold
			},
		})
	}

	return &Orchestrator{
		providers: providers,
		breakers:  breakers,
		logger:    logger,
	}
}

// Providers returns the configured provider names in order.
func (o *Orchestrator) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// Generate returns the whole completion and the name of the provider
// that produced it.
func (o *Orchestrator) Generate(ctx context.Context, messages []types.Message) (string, string, error) {
	if len(o.providers) == 0 {
		return "", "", ErrNoProviders
	}

	var lastErr error
	for i, p := range o.providers {
		result, err := o.breakers[i].Execute(func() (interface{}, error) {
			return p.Generate(ctx, messages)
		})
		if err != nil {
			lastErr = err
			o.logFailover(p.Name(), err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return result.(string), p.Name(), nil
	}
	return "", "", fmt.Errorf("%w (last from %s): %v", ErrProvidersExhausted, o.lastName(), lastErr)
}

// GenerateStream returns a token stream and the name of the provider
// serving it. Failover happens only before the first token: once a
// stream is open, a later provider failure terminates it rather than
// replaying another provider's output on top.
func (o *Orchestrator) GenerateStream(ctx context.Context, messages []types.Message) (<-chan Chunk, string, error) {
	if len(o.providers) == 0 {
		return nil, "", ErrNoProviders
	}

	var lastErr error
	for i, p := range o.providers {
		result, err := o.breakers[i].Execute(func() (interface{}, error) {
			return p.GenerateStream(ctx, messages)
		})
		if err != nil {
			lastErr = err
			o.logFailover(p.Name(), err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return result.(<-chan Chunk), p.Name(), nil
	}
	return nil, "", fmt.Errorf("%w (last from %s): %v", ErrProvidersExhausted, o.lastName(), lastErr)
}

// logFailover records one failed hop of the chain.
func (o *Orchestrator) logFailover(provider string, err error) {
	o.logger.Warn("llm provider failed, trying next",
		zap.String("provider", provider),
		zap.Error(err))
	if o.OnFailover != nil {
		o.OnFailover(provider)
	}
}

// lastName returns the name of the final provider in the chain.
func (o *Orchestrator) lastName() string {
	return o.providers[len(o.providers)-1].Name()
}

// Collect drains a stream into the full text, stopping on the first
// chunk error.
func Collect(stream <-chan Chunk) (string, error) {
	var b []byte
	for chunk := range stream {
		if chunk.Err != nil {
			return string(b), chunk.Err
		}
		b = append(b, chunk.Token...)
	}
	return string(b), nil
}
