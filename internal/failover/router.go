package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"exec_core/internal/domain"
	"exec_core/internal/infra"

	"github.com/shopspring/decimal"
)

// ErrNoProviders is returned by a router with nothing to ask.
var ErrNoProviders = errors.New("no price providers configured")

// Provider answers price queries. *execution.Guarded satisfies it.
type Provider interface {
	Name() string
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BreakerView reports breaker state without taking the probe slot.
// *infra.Guard satisfies it.
type BreakerView interface {
	IsOpen(venue string, class infra.OpClass) bool
}

// Quote is a price and the provider that served it.
type Quote struct {
	Symbol   string
	Price    decimal.Decimal
	Provider string
}

// Router asks an ordered list of providers for prices, skipping those whose
// market breaker is open and falling over on recoverable failures.
type Router struct {
	providers []Provider
	breakers  BreakerView

	mu     sync.Mutex
	served map[string]int
}

// NewRouter creates a router. Providers are tried in the given order.
func NewRouter(breakers BreakerView, providers ...Provider) *Router {
	return &Router{
		providers: providers,
		breakers:  breakers,
		served:    make(map[string]int),
	}
}

// Price returns the first price a healthy provider gives for symbol. When
// every provider fails, the last error is returned.
func (r *Router) Price(ctx context.Context, symbol string) (Quote, error) {
	if len(r.providers) == 0 {
		return Quote{}, ErrNoProviders
	}

	var lastErr error
	for i, p := range r.providers {
		if r.breakers != nil && r.breakers.IsOpen(p.Name(), infra.ClassMarket) {
			lastErr = domain.NewCallError(domain.KindCircuitOpen, p.Name(), "price", "market breaker open", nil)
			continue
		}

		px, err := p.GetCurrentPrice(ctx, symbol)
		if err == nil {
			if i > 0 {
				slog.Info("price served by fallback provider",
					slog.String("symbol", symbol),
					slog.String("provider", p.Name()),
					slog.Int("rank", i))
			}
			r.count(p.Name())
			return Quote{Symbol: symbol, Price: px, Provider: p.Name()}, nil
		}
		if ctx.Err() != nil {
			return Quote{}, ctx.Err()
		}
		if !fallsOver(err) {
			return Quote{}, err
		}
		slog.Warn("price provider failed, trying next",
			slog.String("symbol", symbol),
			slog.String("provider", p.Name()),
			slog.Any("error", err))
		lastErr = err
	}
	return Quote{}, fmt.Errorf("all %d price providers failed for %s: %w", len(r.providers), symbol, lastErr)
}

// fallsOver reports whether another provider may succeed where this one
// did not.
func fallsOver(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindTransient, domain.KindCircuitOpen, domain.KindRateLimited,
		domain.KindCapabilityUnsupported, domain.KindNotFound:
		return true
	default:
		return false
	}
}

func (r *Router) count(provider string) {
	r.mu.Lock()
	r.served[provider]++
	r.mu.Unlock()
}

// Served returns how many quotes each provider has answered.
func (r *Router) Served() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.served))
	for k, v := range r.served {
		out[k] = v
	}
	return out
}

// Providers returns provider names in priority order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}
