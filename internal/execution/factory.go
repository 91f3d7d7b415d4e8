package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"exec_core/internal/domain"
	"exec_core/internal/infra"
	"exec_core/internal/infra/bitget"
	"exec_core/internal/infra/tradovate"
)

// ErrUnknownVenue is returned for a venue name that is not registered.
var ErrUnknownVenue = errors.New("unknown venue")

// Factory builds brokers for the configured trading mode.
type Factory struct {
	config *infra.Config
	guard  *infra.Guard
	getenv func(string) string
}

// NewFactory creates a factory. Every broker it builds shares guard.
func NewFactory(cfg *infra.Config, guard *infra.Guard) *Factory {
	return &Factory{config: cfg, guard: guard, getenv: os.Getenv}
}

// Build creates the raw broker for one configured venue.
func (f *Factory) Build(name string, vc infra.VenueConfig) (Broker, error) {
	mode := f.config.Trading.Mode

	if mode == infra.ModePaper || vc.Kind == infra.KindPaper {
		return NewPaper(name, vc), nil
	}

	switch mode {
	case infra.ModeDemo:
		slog.Info("🔒 Connecting venue in DEMO mode", slog.String("venue", name), slog.String("kind", vc.Kind))
	case infra.ModeReal:
		// Real trading: SAFETY LATCH CHECK
		if f.getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, fmt.Errorf("SAFETY_GUARD: Real trading requires 'CONFIRM_REAL_MONEY=true' environment variable")
		}
		slog.Warn("🚨🚨🚨 Connecting venue with REAL money 🚨🚨🚨", slog.String("venue", name), slog.String("kind", vc.Kind))
	default:
		return nil, fmt.Errorf("unknown execution mode: %s", mode)
	}

	demo := mode == infra.ModeDemo
	switch vc.Kind {
	case infra.KindBitget:
		return bitget.NewClient(name, vc, demo), nil
	case infra.KindTradovate:
		return tradovate.NewClient(name, vc, demo), nil
	default:
		return nil, fmt.Errorf("venue %s: unsupported kind %q", name, vc.Kind)
	}
}

// BuildAll builds and registers every configured venue.
func (f *Factory) BuildAll() (*Registry, error) {
	reg := NewRegistry()
	for _, name := range f.config.VenueNames() {
		b, err := f.Build(name, f.config.Venues[name])
		if err != nil {
			reg.CloseAll()
			return nil, err
		}
		if err := reg.Add(NewGuarded(b, f.guard)); err != nil {
			reg.CloseAll()
			return nil, err
		}
	}
	return reg, nil
}

// Registry holds the guarded brokers keyed by venue name.
type Registry struct {
	mu     sync.RWMutex
	venues map[string]*Guarded
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{venues: make(map[string]*Guarded)}
}

// Add registers a broker. Venue names are unique.
func (r *Registry) Add(g *Guarded) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.venues[g.Name()]; ok {
		return fmt.Errorf("venue %s already registered", g.Name())
	}
	r.venues[g.Name()] = g
	return nil
}

// Get returns the broker registered under venue.
func (r *Registry) Get(venue string) (*Guarded, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.venues[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return g, nil
}

// Lookup returns the broker for (account, venue). A venue bound to another
// account is an invalid intent, not a routing fallback.
func (r *Registry) Lookup(account, venue string) (*Guarded, error) {
	g, err := r.Get(venue)
	if err != nil {
		return nil, domain.NewCallError(domain.KindInvalidIntent, venue, "route", "unknown venue", err)
	}
	if g.Account() != account {
		return nil, domain.NewCallError(domain.KindInvalidIntent, venue, "route",
			fmt.Sprintf("venue bound to account %q, not %q", g.Account(), account), nil)
	}
	return g, nil
}

// ListVenues returns registered venue names in sorted order.
func (r *Registry) ListVenues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.venues))
	for n := range r.venues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the registered brokers in venue-name order.
func (r *Registry) All() []*Guarded {
	names := r.ListVenues()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Guarded, 0, len(names))
	for _, n := range names {
		out = append(out, r.venues[n])
	}
	return out
}

// ConnectAll connects every venue and returns the joined errors.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, g := range r.All() {
		if err := g.Connect(ctx); err != nil {
			slog.Error("❌ Venue connect failed", slog.String("venue", g.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every venue.
func (r *Registry) CloseAll() {
	for _, g := range r.All() {
		if err := g.Close(); err != nil {
			slog.Warn("venue close failed", slog.String("venue", g.Name()), slog.Any("error", err))
		}
	}
}
