package event

import (
	"context"
	"log/slog"

	"exec_core/internal/domain"
)

// LogNotifier writes alerts to the structured log. Margin tiers at 90% and
// circuit openings are logged at error level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier uses slog.Default when l is nil.
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &LogNotifier{logger: l.With(slog.String("component", "alerts"))}
}

func (n *LogNotifier) Notify(ctx context.Context, a domain.Alert) error {
	level := slog.LevelWarn
	if a.Kind == domain.AlertCircuitOpen || (a.Kind == domain.AlertMarginTier && a.Tier == domain.Tier90) {
		level = slog.LevelError
	}
	n.logger.LogAttrs(ctx, level, "ALERT",
		slog.String("kind", string(a.Kind)),
		slog.String("account", a.Account),
		slog.String("venue", a.Venue),
		slog.String("symbol", a.Symbol),
		slog.String("tier", a.Tier.String()),
		slog.Bool("repeat", a.Repeat),
		slog.String("message", a.Message))
	return nil
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a domain.Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a domain.Alert) error { return f(ctx, a) }
