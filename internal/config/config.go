// Package config loads process configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-level configuration. Tenant settings apply to
// every configured tenant; per-tenant overrides are out of scope.
type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	TLSEnabled  bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string   `mapstructure:"TLS_KEY_FILE"`

	// AuthSecret enables the bearer-token scope middleware when set.
	// Empty disables scope checking entirely.
	AuthSecret string `mapstructure:"AUTH_SECRET"`
	AuthIssuer string `mapstructure:"AUTH_ISSUER"`

	Tenants       []string `mapstructure:"TENANTS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`

	FHIRVersion            string `mapstructure:"FHIR_VERSION"`
	AllowClientIDs         bool   `mapstructure:"ALLOW_CLIENT_IDS"`
	CreateAsUpdate         bool   `mapstructure:"CREATE_AS_UPDATE"`
	MaxResourceCount       int    `mapstructure:"MAX_RESOURCE_COUNT"`
	MaxSubscriptionMinutes int    `mapstructure:"MAX_SUBSCRIPTION_MINUTES"`
	PageSize               int    `mapstructure:"PAGE_SIZE"`
	MaxPageSize            int    `mapstructure:"MAX_PAGE_SIZE"`

	LoadDir string `mapstructure:"LOAD_DIR"`
}

// Load reads configuration from the environment, with an optional .env
// file for development.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8100")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("TENANTS", "default")
	v.SetDefault("FHIR_VERSION", "R4")
	v.SetDefault("ALLOW_CLIENT_IDS", true)
	v.SetDefault("CREATE_AS_UPDATE", true)
	v.SetDefault("MAX_SUBSCRIPTION_MINUTES", 1440)
	v.SetDefault("PAGE_SIZE", 20)
	v.SetDefault("MAX_PAGE_SIZE", 500)

	for _, key := range []string{
		"PORT", "ENV", "CORS_ORIGINS", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
		"AUTH_SECRET", "AUTH_ISSUER", "TENANTS", "DEFAULT_TENANT",
		"FHIR_VERSION", "ALLOW_CLIENT_IDS", "CREATE_AS_UPDATE",
		"MAX_RESOURCE_COUNT", "MAX_SUBSCRIPTION_MINUTES",
		"PAGE_SIZE", "MAX_PAGE_SIZE", "LOAD_DIR",
	} {
		v.BindEnv(key)
	}

	// missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.Tenants == nil {
		if names := v.GetString("TENANTS"); names != "" {
			cfg.Tenants = strings.Split(names, ",")
		}
	}
	for i := range cfg.Tenants {
		cfg.Tenants[i] = strings.TrimSpace(cfg.Tenants[i])
	}
	return cfg, nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool { return c.Env == "development" }

// Validate checks the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	found := false
	for _, name := range c.Tenants {
		if name == "" {
			return fmt.Errorf("tenant names must not be empty")
		}
		if name == c.DefaultTenant {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("DEFAULT_TENANT %q is not in TENANTS", c.DefaultTenant)
	}
	switch c.FHIRVersion {
	case "R4", "R4B", "R5":
	default:
		return fmt.Errorf("FHIR_VERSION must be R4, R4B, or R5, got %q", c.FHIRVersion)
	}
	if c.PageSize <= 0 || c.MaxPageSize < c.PageSize {
		return fmt.Errorf("PAGE_SIZE must be positive and at most MAX_PAGE_SIZE")
	}
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
