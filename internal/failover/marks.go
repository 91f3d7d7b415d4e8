package failover

import (
	"context"
	"log/slog"
	"time"

	"exec_core/internal/domain"

	"github.com/shopspring/decimal"
)

// Marker holds positions that need mark prices. *ledger.Ledger satisfies it.
type Marker interface {
	Positions(account, venue string) []domain.Position
	Mark(account, venue, symbol string, price decimal.Decimal) bool
}

// Target is one (account, venue) whose positions get marked.
type Target struct {
	Account string
	Venue   string
}

// RefreshMarks prices every open position of targets once and returns how
// many positions were marked. Each symbol is quoted at most once per pass.
func (r *Router) RefreshMarks(ctx context.Context, m Marker, targets []Target) int {
	quotes := make(map[string]decimal.Decimal)
	failed := make(map[string]bool)
	n := 0
	for _, t := range targets {
		for _, p := range m.Positions(t.Account, t.Venue) {
			px, ok := quotes[p.Symbol]
			if !ok {
				if failed[p.Symbol] {
					continue
				}
				q, err := r.Price(ctx, p.Symbol)
				if err != nil {
					if ctx.Err() != nil {
						return n
					}
					slog.Warn("no mark price", slog.String("symbol", p.Symbol), slog.Any("error", err))
					failed[p.Symbol] = true
					continue
				}
				px = q.Price
				quotes[p.Symbol] = px
			}
			if m.Mark(t.Account, t.Venue, p.Symbol, px) {
				n++
			}
		}
	}
	return n
}

// RunMarks calls RefreshMarks every interval until ctx is done.
func (r *Router) RunMarks(ctx context.Context, m Marker, targets []Target, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshMarks(ctx, m, targets)
		}
	}
}
