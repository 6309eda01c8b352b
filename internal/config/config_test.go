package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("TENANTS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8100" {
		t.Errorf("expected default port 8100, got %s", cfg.Port)
	}
	if cfg.DefaultTenant != "default" {
		t.Errorf("expected default tenant 'default', got %s", cfg.DefaultTenant)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0] != "default" {
		t.Errorf("expected tenants [default], got %v", cfg.Tenants)
	}
	if cfg.FHIRVersion != "R4" {
		t.Errorf("expected default FHIR version R4, got %s", cfg.FHIRVersion)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoad_TenantList(t *testing.T) {
	os.Setenv("TENANTS", "main, sandbox")
	os.Setenv("DEFAULT_TENANT", "main")
	defer os.Unsetenv("TENANTS")
	defer os.Unsetenv("DEFAULT_TENANT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Tenants) != 2 || cfg.Tenants[0] != "main" || cfg.Tenants[1] != "sandbox" {
		t.Errorf("expected tenants [main sandbox], got %v", cfg.Tenants)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config must validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:          "8100",
			Tenants:       []string{"default"},
			DefaultTenant: "default",
			FHIRVersion:   "R4",
			PageSize:      20,
			MaxPageSize:   500,
		}
	}

	c := base()
	c.Port = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for empty port")
	}

	c = base()
	c.DefaultTenant = "other"
	if err := c.Validate(); err == nil {
		t.Error("expected error when default tenant is not configured")
	}

	c = base()
	c.FHIRVersion = "DSTU2"
	if err := c.Validate(); err == nil {
		t.Error("expected error for unsupported FHIR version")
	}

	c = base()
	c.MaxPageSize = 5
	if err := c.Validate(); err == nil {
		t.Error("expected error when max page size is below page size")
	}

	c = base()
	c.TLSEnabled = true
	if err := c.Validate(); err == nil {
		t.Error("expected error for TLS without cert files")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
