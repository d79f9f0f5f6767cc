package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the control plane. Values come from
// WARDEN_* environment variables.
type Config struct {
	HTTPAddr        string        `env:"WARDEN_HTTP_ADDR"        envDefault:":8080"`
	GRPCAddr        string        `env:"WARDEN_GRPC_ADDR"        envDefault:":9090"`
	PostgresDSN     string        `env:"WARDEN_PG_DSN"`
	AuthSecret      string        `env:"WARDEN_AUTH_SECRET"`
	AuthIssuer      string        `env:"WARDEN_AUTH_ISSUER"      envDefault:"warden"`
	AccessTTL       time.Duration `env:"WARDEN_ACCESS_TTL"       envDefault:"15m"`
	RefreshTTL      time.Duration `env:"WARDEN_REFRESH_TTL"      envDefault:"168h"`
	LockThreshold   int           `env:"WARDEN_LOCKOUT_THRESHOLD" envDefault:"3"`
	LockWindow      time.Duration `env:"WARDEN_LOCKOUT_WINDOW"   envDefault:"15m"`
	RateBudget      int           `env:"WARDEN_RATE_BUDGET"      envDefault:"120"`
	RateWindow      time.Duration `env:"WARDEN_RATE_WINDOW"      envDefault:"1m"`
	DefaultKappa    float64       `env:"WARDEN_DEFAULT_KAPPA"    envDefault:"1000"`
	TickInterval    time.Duration `env:"WARDEN_TICK_INTERVAL"    envDefault:"1s"`
	TickIndexPath   string        `env:"WARDEN_TICK_INDEX_PATH"`
	Autostart       bool          `env:"WARDEN_AUTOSTART"        envDefault:"true"`
	SeedFile        string        `env:"WARDEN_SEED_FILE"`
	AllowedOrigins  []string      `env:"WARDEN_ALLOWED_ORIGINS"  envSeparator:","`
	TrustedProxies  []string      `env:"WARDEN_TRUSTED_PROXIES"  envSeparator:","`
	ShutdownTimeout time.Duration `env:"WARDEN_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Version         string        `env:"WARDEN_VERSION"          envDefault:"dev"`
	Commit          string        `env:"WARDEN_COMMIT"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("WARDEN_AUTH_SECRET must be at least 32 bytes"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	}
	if c.AccessTTL > c.RefreshTTL {
		errs = append(errs, errors.New("WARDEN_ACCESS_TTL must not exceed WARDEN_REFRESH_TTL"))
	}
	if c.LockThreshold <= 0 || c.LockWindow <= 0 {
		errs = append(errs, errors.New("lockout threshold and window must be positive"))
	}
	if c.RateBudget <= 0 || c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate budget and window must be positive"))
	}
	if c.DefaultKappa <= 0 {
		errs = append(errs, errors.New("WARDEN_DEFAULT_KAPPA must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("WARDEN_TICK_INTERVAL must be positive"))
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(strings.TrimSpace(p)) {
			errs = append(errs, fmt.Errorf("WARDEN_TRUSTED_PROXIES: %q is not an address or CIDR", p))
		}
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	if s == "" {
		return true
	}
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// UsesPostgres reports whether a database DSN was configured.
func (c Config) UsesPostgres() bool {
	return strings.TrimSpace(c.PostgresDSN) != ""
}
