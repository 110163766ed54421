package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lessonscribe/internal/observe"
	"github.com/MrWong99/lessonscribe/internal/resilience"
)

// Guarded wraps an [Issuer] with a circuit breaker and rejects tokens that
// are already expired. Rejected requests (4xx other than 429) do not trip the
// breaker; they need a configuration fix, not a pause.
type Guarded struct {
	name    string
	issuer  Issuer
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	now     func() time.Time
}

// GuardOption configures a [Guarded] issuer.
type GuardOption func(*Guarded)

// WithMetrics records issuance outcomes.
func WithMetrics(m *observe.Metrics) GuardOption {
	return func(g *Guarded) { g.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guarded) { g.now = now }
}

// WithBreakerConfig tunes the circuit breaker.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) GuardOption {
	return func(g *Guarded) {
		cfg.Name = g.name
		if cfg.IsFailure == nil {
			cfg.IsFailure = breakerFailure
		}
		g.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// NewGuarded wraps issuer. name labels logs and metrics (e.g. "soniox").
func NewGuarded(name string, issuer Issuer, opts ...GuardOption) *Guarded {
	g := &Guarded{name: name, issuer: issuer, now: time.Now}
	g.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      name,
		IsFailure: breakerFailure,
	})
	for _, o := range opts {
		o(g)
	}
	return g
}

// Issue implements [Issuer].
func (g *Guarded) Issue(ctx context.Context) (Token, error) {
	var tok Token
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		tok, err = g.issuer.Issue(ctx)
		return err
	})
	g.record(ctx, err)
	if err != nil {
		return Token{}, fmt.Errorf("credentials: issue %s key: %w", g.name, err)
	}
	if tok.Expired(g.now()) {
		return Token{}, fmt.Errorf("%w (expired at %s)", ErrTokenExpired, tok.ExpiresAt.Format(time.RFC3339))
	}
	return tok, nil
}

// Check reports whether the breaker currently admits requests.
func (g *Guarded) Check(ctx context.Context) error {
	return g.breaker.Check(ctx)
}

func (g *Guarded) record(ctx context.Context, err error) {
	if g.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
		g.metrics.RecordProviderError(ctx, g.name, "credentials")
	}
	g.metrics.RecordProviderRequest(ctx, g.name, "credentials", status)
}

func breakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
