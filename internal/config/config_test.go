package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"switchyard/internal/config"
	"switchyard/internal/domain"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(cfg.Providers) != 4 {
		t.Fatalf("default catalog should list 4 providers, got %d", len(cfg.Providers))
	}
	if _, ok := cfg.Provider("tempo"); !ok {
		t.Fatal("tempo missing from default catalog")
	}
	if cfg.Routing.AllowDowngrade {
		t.Fatal("downgrades must be off by default")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.ID != "switchyard" {
		t.Fatalf("got service id %q", cfg.Service.ID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "swy config init") {
		t.Fatalf("missing config should point at config init, got %v", err)
	}
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional should return nil,nil for a missing file, got %v, %v", cfg, err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no service id", func(c *config.Config) { c.Service.ID = "" }, "service.id"},
		{"no providers", func(c *config.Config) { c.Providers = nil }, "at least one provider"},
		{"duplicate provider", func(c *config.Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}, "duplicate provider"},
		{"missing kind", func(c *config.Config) { c.Providers[0].Kind = "" }, "missing kind"},
		{"no rails", func(c *config.Config) { c.Providers[0].Rails = nil }, "no rails"},
		{"bad settlement class", func(c *config.Config) {
			c.Providers[0].Rails[0].SettlementClass = "overnight"
		}, "settlement_class"},
		{"no currencies", func(c *config.Config) { c.Providers[0].Rails[0].Currencies = nil }, "currencies"},
		{"min over max", func(c *config.Config) {
			c.Providers[0].Rails[0].MinAmountMinor = 10
			c.Providers[0].Rails[0].MaxAmountMinor = 5
		}, "min amount exceeds max"},
		{"unknown urgency", func(c *config.Config) {
			c.Routing.AttemptTimeoutSeconds = map[string]int{"rush": 5}
		}, "unknown urgency"},
		{"ttl too large", func(c *config.Config) { c.Eligibility.CacheTTLSeconds = 301 }, "cache_ttl_seconds"},
		{"bad kyc class", func(c *config.Config) {
			c.Eligibility.KYCTiers = map[string][]string{"basic": {"turbo"}}
		}, "settlement class"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestTimeoutAndWindowDefaults(t *testing.T) {
	cfg := &config.Config{}
	if got := cfg.AttemptTimeout(domain.UrgencyInstant); got != 5*time.Second {
		t.Fatalf("instant attempt timeout default, got %v", got)
	}
	if got := cfg.UrgencyWindow(domain.UrgencyStandard); got != 72*time.Hour {
		t.Fatalf("standard urgency window default, got %v", got)
	}
	cfg.Routing.AttemptTimeoutSeconds = map[string]int{domain.UrgencyInstant: 2}
	if got := cfg.AttemptTimeout(domain.UrgencyInstant); got != 2*time.Second {
		t.Fatalf("configured timeout should win, got %v", got)
	}
}

func TestPreferenceWeightsDefaultToOne(t *testing.T) {
	cfg := config.Default()
	weights := cfg.PreferenceWeights()
	if weights["tempo"] != 0.9 {
		t.Fatalf("tempo carries an explicit weight, got %f", weights["tempo"])
	}
	if weights["circle"] != 1.0 {
		t.Fatalf("unset weight defaults to 1.0, got %f", weights["circle"])
	}
}

func TestKYCClasses(t *testing.T) {
	cfg := config.Default()
	if got := cfg.KYCClasses(""); len(got) != 3 {
		t.Fatalf("no tier means no restriction, got %v", got)
	}
	if got := cfg.KYCClasses("basic"); len(got) != 1 || got[0] != domain.SettlementBatch {
		t.Fatalf("basic is batch only, got %v", got)
	}
	if got := cfg.KYCClasses("unheard-of"); len(got) != 1 || got[0] != domain.SettlementBatch {
		t.Fatalf("unknown tiers fall back to batch, got %v", got)
	}
}

func TestPathJoinsWorkspace(t *testing.T) {
	if got := config.Path("/tmp/ws"); got != filepath.Join("/tmp/ws", "switchyard.yml") {
		t.Fatalf("got %s", got)
	}
}
