package infra

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncRetry("bitget", "ticker")
	m.ObserveCall("bitget", ClassMarket, "ok", time.Millisecond)
	m.SetBreakerState("bitget", ClassTrade, StateOpen)
	m.IncAlert("MARGIN_TIER")
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.SetBreakerState("bitget", ClassTrade, StateOpen)
	m.IncOrderTerminal("bitget", "FILLED")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`exec_breaker_state{class="trade",venue="bitget"} 1`,
		`exec_orders_terminal_total{state="FILLED",venue="bitget"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
