package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 30 * time.Second

// Guard wraps an Adapter with a per-call timeout and a circuit breaker.
// Calls rejected by the open breaker fail with a transient *Error wrapping
// ErrCircuitOpen so callers redeliver instead of giving up.
type Guard struct {
	inner   Adapter
	name    string
	timeout time.Duration
	breaker *Breaker
	logger  *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.timeout = d }
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *Breaker) GuardOption {
	return func(g *Guard) { g.breaker = b }
}

// WithLogger sets the logger used for breaker transitions.
func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGuard wraps inner. name identifies the provider in logs.
func NewGuard(inner Adapter, name string, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:   inner,
		name:    name,
		timeout: DefaultTimeout,
		breaker: NewBreaker(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Breaker exposes the guard's breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Search implements Adapter.
func (g *Guard) Search(ctx context.Context, q Query) (*Page, error) {
	var page *Page
	err := g.call(ctx, "search", func(ctx context.Context) error {
		var err error
		page, err = g.inner.Search(ctx, q)
		return err
	})
	return page, err
}

// Enrich implements Adapter.
func (g *Guard) Enrich(ctx context.Context, creatorID, platform string) (*Enrichment, error) {
	var e *Enrichment
	err := g.call(ctx, "enrich", func(ctx context.Context) error {
		var err error
		e, err = g.inner.Enrich(ctx, creatorID, platform)
		return err
	})
	return e, err
}

// Expand implements Expander. Adapters without expansion return no terms.
func (g *Guard) Expand(ctx context.Context, keyword, platform string, max int) ([]string, error) {
	ex, ok := g.inner.(Expander)
	if !ok {
		return nil, nil
	}
	var terms []string
	err := g.call(ctx, "expand", func(ctx context.Context) error {
		var err error
		terms, err = ex.Expand(ctx, keyword, platform, max)
		return err
	})
	return terms, err
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !g.breaker.Allow() {
		return &Error{Kind: KindUnavailable, Op: op, Err: ErrCircuitOpen}
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	before := g.breaker.State()
	err := fn(cctx)
	if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		var pe *Error
		if !errors.As(err, &pe) {
			err = &Error{Kind: KindTimeout, Op: op, Err: err}
		}
	}
	g.breaker.Record(err)
	if after := g.breaker.State(); after != before {
		g.logger.Warn("provider: breaker state changed",
			"provider", g.name, "from", before.String(), "to", after.String(), "op", op)
	}
	return err
}
