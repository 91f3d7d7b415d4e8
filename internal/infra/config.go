package infra

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"exec_core/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	uaMu             sync.RWMutex
	currentUserAgent = PlatformUserAgent(AppName, "dev")
)

// GetUserAgent returns the current active User-Agent string. (Thread-safe)
func GetUserAgent() string {
	uaMu.RLock()
	defer uaMu.RUnlock()
	return currentUserAgent
}

// SetUserAgent updates the global User-Agent string. (Thread-safe)
func SetUserAgent(ua string) {
	uaMu.Lock()
	defer uaMu.Unlock()
	currentUserAgent = ua
}

// PlatformUserAgent builds a User-Agent identifying the process and OS.
func PlatformUserAgent(name, version string) string {
	return fmt.Sprintf("%s/%s (%s; %s)", name, version, runtime.GOOS, runtime.GOARCH)
}

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeDemo  = "DEMO"
	ModeReal  = "REAL"
)

// Venue kinds understood by the broker factory.
const (
	KindBitget    = "bitget"
	KindTradovate = "tradovate"
	KindPaper     = "paper"
)

// SymbolConfig is the lot/tick rule for one symbol.
type SymbolConfig struct {
	QtyStep   decimal.Decimal `yaml:"qty_step"`
	PriceTick decimal.Decimal `yaml:"price_tick"`
	MinQty    decimal.Decimal `yaml:"min_qty"`
}

// VenueConfig describes one broker connection.
type VenueConfig struct {
	Kind    string `yaml:"kind"`
	Account string `yaml:"account"`
	RestURL string `yaml:"rest_url"`
	WSURL   string `yaml:"ws_url"`

	// Credentials. Prefer env: EXEC_<VENUE>_KEY / _SECRET / _PASSPHRASE / _TOKEN.
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	Token      string `yaml:"token"`
	AccountID  int64  `yaml:"account_id"` // Tradovate numeric account
	AppID      string `yaml:"app_id"`     // Tradovate app registration
	CID        int64  `yaml:"cid"`

	ProductType  string                  `yaml:"product_type"`  // Bitget: USDT-FUTURES
	MarginCoin   string                  `yaml:"margin_coin"`   // Bitget: USDT
	QtyTolerance decimal.Decimal         `yaml:"qty_tolerance"` // relative
	Symbols      map[string]SymbolConfig `yaml:"symbols"`
	PaperBalance decimal.Decimal         `yaml:"paper_balance"`

	Resilience VenuePolicy `yaml:"resilience"`
}

// MonitorTarget is one (account, venue) pair the margin monitor watches.
type MonitorTarget struct {
	Account string `yaml:"account"`
	Venue   string `yaml:"venue"`
}

// Config holds all application settings.
// After LoadConfig, sensitive values are overridden from environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode string `yaml:"mode"`
	} `yaml:"trading"`

	Venues map[string]VenueConfig `yaml:"venues"`

	Idempotency struct {
		TTL           time.Duration `yaml:"ttl"`
		Store         string        `yaml:"store"` // memory | sqlite
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"idempotency"`

	Engine struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		LaneConcurrency int           `yaml:"lane_concurrency"`
		PendingTimeout  time.Duration `yaml:"pending_timeout"`
		Retention       time.Duration `yaml:"retention"`
		JanitorInterval time.Duration `yaml:"janitor_interval"`
	} `yaml:"engine"`

	Monitor struct {
		Interval        time.Duration         `yaml:"interval"`
		SustainInterval time.Duration         `yaml:"sustain_interval"`
		StaleAfter      time.Duration         `yaml:"stale_after"`
		Tiers           domain.TierThresholds `yaml:"tiers"`
		Targets         []MonitorTarget       `yaml:"targets"`
	} `yaml:"monitor"`

	Ledger struct {
		DriftTolerance    decimal.Decimal `yaml:"drift_tolerance"`
		ReconcileInterval time.Duration   `yaml:"reconcile_interval"`
	} `yaml:"ledger"`

	Failover struct {
		PriceProviders []string      `yaml:"price_providers"`
		MarkInterval   time.Duration `yaml:"mark_interval"`
	} `yaml:"failover"`

	Storage struct {
		WorkspaceDir     string        `yaml:"workspace_dir"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotKeep     int           `yaml:"snapshot_keep"`
	} `yaml:"storage"`

	Metrics struct {
		Listen string `yaml:"listen"`
		Pprof  string `yaml:"pprof"`
	} `yaml:"metrics"`

	Logging LogConfig `yaml:"logging"`
}

// LoadConfig reads and parses the config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// Rule #4: security first - env overrides for secrets
	overrideWithEnv(&cfg)

	// Rule #5: validate before anything connects
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = AppName
	}
	if c.App.Version == "" {
		c.App.Version = "dev"
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
	c.Trading.Mode = strings.ToUpper(c.Trading.Mode)

	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.Store == "" {
		c.Idempotency.Store = "memory"
	}
	if c.Idempotency.SweepInterval <= 0 {
		c.Idempotency.SweepInterval = 10 * time.Minute
	}
	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = 2 * time.Second
	}
	if c.Engine.LaneConcurrency <= 0 {
		c.Engine.LaneConcurrency = 4
	}
	if c.Engine.PendingTimeout <= 0 {
		c.Engine.PendingTimeout = time.Minute
	}
	if c.Engine.Retention <= 0 {
		c.Engine.Retention = 10 * time.Minute
	}
	if c.Engine.JanitorInterval <= 0 {
		c.Engine.JanitorInterval = time.Minute
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 10 * time.Second
	}
	if c.Monitor.SustainInterval <= 0 {
		c.Monitor.SustainInterval = 5 * time.Minute
	}
	if c.Monitor.StaleAfter <= 0 {
		c.Monitor.StaleAfter = 3 * c.Monitor.Interval
	}
	if c.Monitor.Tiers.Warn.IsZero() && c.Monitor.Tiers.High.IsZero() && c.Monitor.Tiers.Critical.IsZero() {
		c.Monitor.Tiers = domain.DefaultTierThresholds()
	}
	if c.Ledger.DriftTolerance.IsZero() {
		c.Ledger.DriftTolerance = decimal.RequireFromString("0.0001")
	}
	if c.Ledger.ReconcileInterval <= 0 {
		c.Ledger.ReconcileInterval = time.Minute
	}
	if c.Failover.MarkInterval <= 0 {
		c.Failover.MarkInterval = 5 * time.Second
	}
	if c.Storage.SnapshotInterval <= 0 {
		c.Storage.SnapshotInterval = 5 * time.Minute
	}
	if c.Storage.SnapshotKeep <= 0 {
		c.Storage.SnapshotKeep = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for name, v := range c.Venues {
		v.Kind = strings.ToLower(v.Kind)
		if v.Kind == "" {
			v.Kind = name
		}
		if v.QtyTolerance.IsZero() {
			v.QtyTolerance = decimal.RequireFromString("0.001")
		}
		v.Resilience = mergePolicy(v.Resilience)
		c.Venues[name] = v
	}
}

func mergePolicy(p VenuePolicy) VenuePolicy {
	d := DefaultVenuePolicy()
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if p.Retry.BaseDelay <= 0 {
		p.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if p.Retry.MaxDelay <= 0 {
		p.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if p.Retry.MaxElapsed <= 0 {
		p.Retry.MaxElapsed = d.Retry.MaxElapsed
	}
	if p.Breaker.FailureThreshold <= 0 {
		p.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if p.Breaker.Window <= 0 {
		p.Breaker.Window = d.Breaker.Window
	}
	if p.Breaker.CoolDown <= 0 {
		p.Breaker.CoolDown = d.Breaker.CoolDown
	}
	if p.Limit.PerSecond <= 0 {
		p.Limit = d.Limit
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case ModePaper, ModeDemo, ModeReal:
	default:
		return fmt.Errorf("unknown trading mode: %s", c.Trading.Mode)
	}

	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	for name, v := range c.Venues {
		switch v.Kind {
		case KindBitget, KindTradovate, KindPaper:
		default:
			return fmt.Errorf("venue %s: unknown kind %q", name, v.Kind)
		}
		if v.Account == "" {
			return fmt.Errorf("venue %s: account is required", name)
		}
		if v.RestURL != "" && !hasPrefix(v.RestURL, "http://") && !hasPrefix(v.RestURL, "https://") {
			return fmt.Errorf("venue %s: invalid REST URL: %s", name, v.RestURL)
		}
		if v.WSURL != "" && !hasPrefix(v.WSURL, "ws://") && !hasPrefix(v.WSURL, "wss://") {
			return fmt.Errorf("venue %s: invalid WS URL: %s", name, v.WSURL)
		}
		if v.QtyTolerance.IsNegative() {
			return fmt.Errorf("venue %s: qty_tolerance must not be negative", name)
		}
	}

	t := c.Monitor.Tiers
	if !(t.Warn.IsPositive() && t.Warn.LessThan(t.High) && t.High.LessThan(t.Critical)) {
		return fmt.Errorf("monitor tiers must be ascending and positive: %s < %s < %s", t.Warn, t.High, t.Critical)
	}
	for _, tg := range c.Monitor.Targets {
		if _, ok := c.Venues[tg.Venue]; !ok {
			return fmt.Errorf("monitor target references unknown venue %q", tg.Venue)
		}
	}
	for _, p := range c.Failover.PriceProviders {
		if _, ok := c.Venues[p]; !ok {
			return fmt.Errorf("failover provider references unknown venue %q", p)
		}
	}
	if !slices.Contains([]string{"memory", "sqlite"}, c.Idempotency.Store) {
		return fmt.Errorf("unknown idempotency store: %s", c.Idempotency.Store)
	}
	return nil
}

// VenueNames returns configured venue names in sorted order.
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for n := range c.Venues {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Policies returns the per-venue resilience configuration.
func (c *Config) Policies() map[string]VenuePolicy {
	out := make(map[string]VenuePolicy, len(c.Venues))
	for n, v := range c.Venues {
		out[n] = v.Resilience
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// envName maps a venue name to its env prefix, e.g. "bitget-main" -> EXEC_BITGET_MAIN.
func envName(venue string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return "EXEC_" + strings.ToUpper(r.Replace(venue))
}

// overrideWithEnv overwrites settings from environment variables when present.
// Rule #5: environment variables take precedence over the config file.
func overrideWithEnv(cfg *Config) {
	for name, v := range cfg.Venues {
		// Security Warning: secrets in the config file
		if v.SecretKey != "" || v.Token != "" {
			fmt.Printf("⚠️  SECURITY WARNING: secrets for venue %q found in config file.\n", name)
			fmt.Printf("   Recommendation: use %s_KEY, %s_SECRET, %s_PASSPHRASE, %s_TOKEN\n",
				envName(name), envName(name), envName(name), envName(name))
		}

		prefix := envName(name)
		if key := os.Getenv(prefix + "_KEY"); key != "" {
			v.AccessKey = key
		}
		if secret := os.Getenv(prefix + "_SECRET"); secret != "" {
			v.SecretKey = secret
		}
		if pass := os.Getenv(prefix + "_PASSPHRASE"); pass != "" {
			v.Passphrase = pass
		}
		if tok := os.Getenv(prefix + "_TOKEN"); tok != "" {
			v.Token = tok
		}
		cfg.Venues[name] = v
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if f := os.Getenv("LOG_FORMAT"); f != "" {
		cfg.Logging.Format = f
	}
}
