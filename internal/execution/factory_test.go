package execution

import (
	"context"
	"errors"
	"testing"

	"exec_core/internal/domain"
	"exec_core/internal/infra"
	"exec_core/internal/infra/bitget"
	"exec_core/internal/infra/tradovate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factoryConfig(mode string) *infra.Config {
	cfg := &infra.Config{}
	cfg.Trading.Mode = mode
	cfg.Venues = map[string]infra.VenueConfig{
		"bitget":    {Kind: infra.KindBitget, Account: "acc-1"},
		"tradovate": {Kind: infra.KindTradovate, Account: "acc-2"},
	}
	return cfg
}

func TestFactory_PaperModeUsesPaperVenues(t *testing.T) {
	f := NewFactory(factoryConfig(infra.ModePaper), fastGuard("x"))
	reg, err := f.BuildAll()
	require.NoError(t, err)

	assert.Equal(t, []string{"bitget", "tradovate"}, reg.ListVenues())
	for _, g := range reg.All() {
		_, ok := g.Inner().(*Paper)
		assert.True(t, ok, "%s should be paper", g.Name())
	}
}

func TestFactory_DemoModeBuildsAdapters(t *testing.T) {
	f := NewFactory(factoryConfig(infra.ModeDemo), fastGuard("x"))
	reg, err := f.BuildAll()
	require.NoError(t, err)

	b, err := reg.Get("bitget")
	require.NoError(t, err)
	_, ok := b.Inner().(*bitget.Client)
	assert.True(t, ok)

	tv, err := reg.Get("tradovate")
	require.NoError(t, err)
	_, ok = tv.Inner().(*tradovate.Client)
	assert.True(t, ok)
	assert.False(t, tv.Capability().NativeClientOrderID)
}

func TestFactory_RealModeRequiresLatch(t *testing.T) {
	f := NewFactory(factoryConfig(infra.ModeReal), fastGuard("x"))
	f.getenv = func(string) string { return "" }
	_, err := f.BuildAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFIRM_REAL_MONEY")

	f.getenv = func(k string) string {
		if k == "CONFIRM_REAL_MONEY" {
			return "true"
		}
		return ""
	}
	_, err = f.BuildAll()
	assert.NoError(t, err)
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(NewGuarded(NewMock("mock", "acc-1"), fastGuard("mock"))))
	assert.Error(t, reg.Add(NewGuarded(NewMock("mock", "acc-9"), fastGuard("mock"))), "duplicate name")

	g, err := reg.Lookup("acc-1", "mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", g.Name())

	_, err = reg.Lookup("acc-2", "mock")
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)

	_, err = reg.Lookup("acc-1", "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
	_, err = reg.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownVenue))
}

func TestRegistry_ConnectAllJoinsErrors(t *testing.T) {
	a := NewMock("a", "acc")
	b := NewMock("b", "acc")
	b.FailNext(OpConnect, domain.Fatal("b", "connect", errors.New("bad key")))

	reg := NewRegistry()
	require.NoError(t, reg.Add(NewGuarded(a, fastGuard("a"))))
	require.NoError(t, reg.Add(NewGuarded(b, fastGuard("b"))))

	err := reg.ConnectAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.Equal(t, 1, a.Calls(OpConnect))
}

func TestMock_ImplementsInterfaces(t *testing.T) {
	var _ Broker = (*Mock)(nil)
	var _ Broker = (*Paper)(nil)
	var _ Broker = (*bitget.Client)(nil)
	var _ Broker = (*tradovate.Client)(nil)
	var _ OrderPusher = (*bitget.Client)(nil)
}
