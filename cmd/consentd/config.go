package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	consent "github.com/giantswarm/bank-consent"
	"github.com/giantswarm/bank-consent/internal/util"
)

const envPrefix = "CONSENT_"

// fileConfig is the YAML configuration file layout.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	Provider struct {
		Name                  string            `yaml:"name"`
		AuthorizationEndpoint string            `yaml:"authorization_endpoint"`
		TokenEndpoint         string            `yaml:"token_endpoint"`
		ClientID              string            `yaml:"client_id"`
		ClientSecret          string            `yaml:"client_secret"`
		RedirectURI           string            `yaml:"redirect_uri"`
		ExtraAuthParams       map[string]string `yaml:"extra_auth_params"`
		RetryLimit            int               `yaml:"retry_limit"`
		ExchangeTimeout       time.Duration     `yaml:"exchange_timeout"`
	} `yaml:"provider"`

	Ledger struct {
		RequestTTL         time.Duration `yaml:"request_ttl"`
		ConsentTTLDays     int           `yaml:"consent_ttl_days"`
		RevokedRetention   time.Duration `yaml:"revoked_retention"`
		HardDeleteOnRevoke bool          `yaml:"hard_delete_on_revoke"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
		LazySweep          bool          `yaml:"lazy_sweep"`
		SupportedScopes    []string      `yaml:"supported_scopes"`
		DefaultPurpose     string        `yaml:"default_purpose"`
	} `yaml:"ledger"`

	Security struct {
		DisableTokenSealing bool    `yaml:"disable_token_sealing"`
		RequireAudit        bool    `yaml:"require_audit"`
		IssueRatePerSecond  float64 `yaml:"issue_rate_per_second"`
		IssueBurst          int     `yaml:"issue_burst"`
		HTTPS               bool    `yaml:"https"`
	} `yaml:"security"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Metrics bool `yaml:"metrics"`
}

func defaultFileConfig() *fileConfig {
	cfg := &fileConfig{ListenAddr: ":8080"}
	cfg.Log.Level = "info"
	cfg.Log.JSON = true
	return cfg
}

// loadConfig reads path (when set) and then applies environment overrides.
// Priority: CLI flags > environment variables > file > defaults; flags are
// applied by the caller.
func loadConfig(path string) (*fileConfig, error) {
	cfg := defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from CONSENT_* variables.
func applyEnv(cfg *fileConfig, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("AUTHORIZATION_ENDPOINT", &cfg.Provider.AuthorizationEndpoint)
	str("TOKEN_ENDPOINT", &cfg.Provider.TokenEndpoint)
	str("CLIENT_ID", &cfg.Provider.ClientID)
	str("CLIENT_SECRET", &cfg.Provider.ClientSecret)
	str("REDIRECT_URI", &cfg.Provider.RedirectURI)
	str("LOG_LEVEL", &cfg.Log.Level)

	if v := getenv(envPrefix + "TTL_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return fmt.Errorf("%sTTL_DAYS must be a positive integer, got %q", envPrefix, v)
		}
		cfg.Ledger.ConsentTTLDays = days
	}
	if v := getenv(envPrefix + "REQUEST_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sREQUEST_TTL: %w", envPrefix, err)
		}
		cfg.Ledger.RequestTTL = d
	}
	if v := getenv(envPrefix + "RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRETRY_LIMIT: %w", envPrefix, err)
		}
		cfg.Provider.RetryLimit = n
	}
	if v := getenv(envPrefix + "SUPPORTED_SCOPES"); v != "" {
		cfg.Ledger.SupportedScopes = util.ParseScopes(v)
	}
	if v := getenv(envPrefix + "PROVIDERS"); v != "" {
		if cfg.Provider.ExtraAuthParams == nil {
			cfg.Provider.ExtraAuthParams = make(map[string]string)
		}
		cfg.Provider.ExtraAuthParams["providers"] = v
	}
	return nil
}

// validate checks the settings consentd cannot start without.
func (c *fileConfig) validate() error {
	switch {
	case c.Provider.AuthorizationEndpoint == "":
		return fmt.Errorf("provider.authorization_endpoint is required")
	case c.Provider.TokenEndpoint == "":
		return fmt.Errorf("provider.token_endpoint is required")
	case c.Provider.ClientID == "":
		return fmt.Errorf("provider.client_id is required")
	case c.Provider.RedirectURI == "":
		return fmt.Errorf("provider.redirect_uri is required")
	case c.Ledger.ConsentTTLDays < 0:
		return fmt.Errorf("ledger.consent_ttl_days must not be negative")
	}
	return nil
}

// serviceConfig converts the file layout into a consent.Config.
func (c *fileConfig) serviceConfig(logger *slog.Logger) *consent.Config {
	cfg := &consent.Config{
		Provider: consent.ProviderConfig{
			Name:                  c.Provider.Name,
			AuthorizationEndpoint: util.NormalizeURL(c.Provider.AuthorizationEndpoint),
			TokenEndpoint:         util.NormalizeURL(c.Provider.TokenEndpoint),
			ClientID:              c.Provider.ClientID,
			ClientSecret:          c.Provider.ClientSecret,
			RedirectURI:           c.Provider.RedirectURI,
			ExtraAuthParams:       c.Provider.ExtraAuthParams,
			RetryLimit:            c.Provider.RetryLimit,
			ExchangeTimeout:       c.Provider.ExchangeTimeout,
		},
		Ledger: consent.LedgerConfig{
			RequestTTL:         c.Ledger.RequestTTL,
			RevokedRetention:   c.Ledger.RevokedRetention,
			HardDeleteOnRevoke: c.Ledger.HardDeleteOnRevoke,
			SweepInterval:      c.Ledger.SweepInterval,
			LazySweep:          c.Ledger.LazySweep,
			SupportedScopes:    c.Ledger.SupportedScopes,
			DefaultPurpose:     c.Ledger.DefaultPurpose,
		},
		Security: consent.SecurityConfig{
			DisableTokenSealing: c.Security.DisableTokenSealing,
			RequireAudit:        c.Security.RequireAudit,
			IssueRatePerSecond:  c.Security.IssueRatePerSecond,
			IssueBurst:          c.Security.IssueBurst,
			HTTPS:               c.Security.HTTPS,
		},
		Instrumentation: consent.InstrumentationConfig{
			Enabled:        c.Metrics,
			ServiceName:    "consentd",
			ServiceVersion: Version,
		},
		Logger: logger,
	}
	if c.Ledger.ConsentTTLDays > 0 {
		cfg.Ledger.ConsentTTL = time.Duration(c.Ledger.ConsentTTLDays) * 24 * time.Hour
	}
	return cfg
}

func newLogger(level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
