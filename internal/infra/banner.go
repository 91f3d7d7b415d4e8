package infra

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

const bannerWidth = 59

// modeStyle maps a trading mode to its banner color and description.
func modeStyle(mode string) (string, string) {
	switch mode {
	case "REAL":
		return ColorRed, "LIVE VENUES, REAL FUNDS"
	case "DEMO":
		return ColorYellow, "VENUE TESTNET"
	case "PAPER":
		return ColorCyan, "IN-PROCESS FILL SIMULATION"
	}
	return ColorGreen, "MOCK VENUES"
}

// PrintBanner writes the startup banner to stdout.
func PrintBanner(cfg *Config) {
	WriteBanner(os.Stdout, cfg)
}

// WriteBanner renders the mode, version and per-venue resilience settings.
func WriteBanner(w io.Writer, cfg *Config) {
	mode := strings.ToUpper(cfg.Trading.Mode)
	color, desc := modeStyle(mode)

	rule := strings.Repeat("#", bannerWidth)
	line := func(c, text string) {
		fmt.Fprintf(w, "%s#  %-*s#%s\n", c, bannerWidth-4, text, ColorReset)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s%s%s\n", color, rule, ColorReset)
	line(color, cfg.App.Name+" "+cfg.App.Version)
	line(color, "MODE: "+mode+" ("+desc+")")
	if mode == "REAL" {
		line(ColorRed, "WARNING: ORDERS ARE SENT TO LIVE VENUES")
	}
	for _, name := range cfg.VenueNames() {
		v := cfg.Venues[name]
		p := v.Resilience
		line(color, fmt.Sprintf("%s %s/%s", name, v.Kind, v.Account))
		line(color, fmt.Sprintf("  retry x%d  breaker %d/%s  %.0f rps",
			p.Retry.MaxAttempts, p.Breaker.FailureThreshold, p.Breaker.Window, p.Limit.PerSecond))
	}
	fmt.Fprintf(w, "%s%s%s\n", color, rule, ColorReset)
	fmt.Fprintln(w)
}
