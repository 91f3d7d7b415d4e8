package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"exec_core/internal/execution"
	"exec_core/internal/failover"
	"exec_core/internal/infra"
)

// pricetest asks the configured price providers for each symbol through the
// failover router and prints which provider answered.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: every configured symbol)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	path := *configPath
	if path == "" {
		path = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ config: %v\n", err)
		os.Exit(1)
	}

	guard := infra.NewGuard(cfg.Policies(), nil, nil)
	venues, err := execution.NewFactory(cfg, guard).BuildAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ venues: %v\n", err)
		os.Exit(1)
	}
	defer venues.CloseAll()

	names := cfg.Failover.PriceProviders
	if len(names) == 0 {
		names = venues.ListVenues()
	}
	var providers []failover.Provider
	for _, n := range names {
		if g, err := venues.Get(n); err == nil {
			providers = append(providers, g)
		}
	}
	router := failover.NewRouter(guard, providers...)

	list := splitSymbols(*symbols)
	if len(list) == 0 {
		for _, v := range cfg.Venues {
			for s := range v.Symbols {
				if !slices.Contains(list, s) {
					list = append(list, s)
				}
			}
		}
		slices.Sort(list)
	}

	fmt.Println("=== Price Failover Probe ===")
	fmt.Printf("Mode: %s  Providers: %s\n\n", cfg.Trading.Mode, strings.Join(router.Providers(), " > "))

	failed := 0
	for _, sym := range list {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		q, err := router.Price(ctx, sym)
		cancel()
		if err != nil {
			failed++
			fmt.Printf("❌ %-12s %v\n", sym, err)
			continue
		}
		fmt.Printf("📊 %-12s %-16s via %s\n", sym, q.Price.String(), q.Provider)
	}

	fmt.Println()
	for key, st := range guard.BreakerStates() {
		if st != infra.StateClosed {
			fmt.Printf("⚠️  breaker %s is %s\n", key, st)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
	fmt.Println("✅ All symbols priced")
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToUpper(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
