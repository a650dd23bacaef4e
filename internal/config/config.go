package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"switchyard/internal/domain"
)

// Config models switchyard.yml: the provider/rail catalog, routing policy,
// health scoring knobs and eligibility gates.
type Config struct {
	Service struct {
		ID string `yaml:"id"`
	} `yaml:"service"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Routing     RoutingConfig     `yaml:"routing"`
	Health      HealthConfig      `yaml:"health"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Auth        struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

type ProviderConfig struct {
	ID            string  `yaml:"id"`
	Kind          string  `yaml:"kind"`
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	WebhookSecret string  `yaml:"webhook_secret"`
	SLATargetMs   int64   `yaml:"sla_target_ms"`
	// PreferenceWeight biases estimated fees during ranking; < 1.0 makes a
	// provider look cheaper. Replaces any fixed provider hierarchy.
	PreferenceWeight float64      `yaml:"preference_weight"`
	Poll             bool         `yaml:"poll"`
	Rails            []RailConfig `yaml:"rails"`
}

type RailConfig struct {
	ID                      string   `yaml:"id"`
	SettlementClass         string   `yaml:"settlement_class"`
	Currencies              []string `yaml:"currencies"`
	MinAmountMinor          int64    `yaml:"min_amount_minor"`
	MaxAmountMinor          int64    `yaml:"max_amount_minor"`
	FeeFixedMinor           int64    `yaml:"fee_fixed_minor"`
	FeeBps                  int64    `yaml:"fee_bps"`
	SettlementWindowSeconds int64    `yaml:"settlement_window_seconds"`
	InstantChannel          bool     `yaml:"instant_channel"`
}

type RoutingConfig struct {
	// AllowDowngrade lets an instant/express request fall to the next urgency
	// class when its own class has no eligible rail, instead of failing with
	// NO_ELIGIBLE_RAIL. Off by default: silent downgrades surprise callers.
	AllowDowngrade        bool           `yaml:"allow_downgrade"`
	AttemptTimeoutSeconds map[string]int `yaml:"attempt_timeout_seconds"`
	UrgencyWindowSeconds  map[string]int `yaml:"urgency_window_seconds"`
}

type HealthConfig struct {
	DownAfterFailures   int `yaml:"down_after_consecutive_failures"`
	WindowCalls         int `yaml:"window_calls"`
	WindowSeconds       int `yaml:"window_seconds"`
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

type EligibilityConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	// KYCTiers maps a tier flag (consumed from the external account system)
	// to the settlement classes it may use. Unknown tiers get batch only.
	KYCTiers map[string][]string `yaml:"kyc_tiers"`
}

var defaultAttemptTimeouts = map[string]int{
	domain.UrgencyEmergency: 5,
	domain.UrgencyInstant:   5,
	domain.UrgencyExpress:   15,
	domain.UrgencyStandard:  30,
}

var defaultUrgencyWindows = map[string]int{
	domain.UrgencyEmergency: 4 * 3600,
	domain.UrgencyInstant:   3600,
	domain.UrgencyExpress:   24 * 3600,
	domain.UrgencyStandard:  72 * 3600,
}

// AttemptTimeout returns the per-attempt deadline for an urgency class.
func (c *Config) AttemptTimeout(urgency string) time.Duration {
	if secs, ok := c.Routing.AttemptTimeoutSeconds[urgency]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(defaultAttemptTimeouts[urgency]) * time.Second
}

// UrgencyWindow returns the SLA window for an urgency class.
func (c *Config) UrgencyWindow(urgency string) time.Duration {
	if secs, ok := c.Routing.UrgencyWindowSeconds[urgency]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(defaultUrgencyWindows[urgency]) * time.Second
}

// PreferenceWeights returns the per-provider fee bias table for the selector.
func (c *Config) PreferenceWeights() map[string]float64 {
	weights := make(map[string]float64, len(c.Providers))
	for _, p := range c.Providers {
		w := p.PreferenceWeight
		if w <= 0 {
			w = 1.0
		}
		weights[p.ID] = w
	}
	return weights
}

// Provider returns the config block for one provider id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// KYCClasses returns the settlement classes a KYC tier may use.
func (c *Config) KYCClasses(tier string) []string {
	if tier == "" {
		return []string{domain.SettlementBatch, domain.SettlementSameDay, domain.SettlementInstant}
	}
	if classes, ok := c.Eligibility.KYCTiers[tier]; ok {
		return classes
	}
	return []string{domain.SettlementBatch}
}

func validSettlementClass(class string) bool {
	switch class {
	case domain.SettlementBatch, domain.SettlementSameDay, domain.SettlementInstant:
		return true
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config.providers must list at least one provider")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config.providers contains empty provider id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %s", p.ID)
		}
		seen[p.ID] = true
		if p.Kind == "" {
			return fmt.Errorf("provider %s missing kind", p.ID)
		}
		if len(p.Rails) == 0 {
			return fmt.Errorf("provider %s has no rails", p.ID)
		}
		if p.PreferenceWeight < 0 {
			return fmt.Errorf("provider %s has negative preference_weight", p.ID)
		}
		railSeen := map[string]bool{}
		for _, rail := range p.Rails {
			if rail.ID == "" {
				return fmt.Errorf("provider %s has rail with empty id", p.ID)
			}
			if railSeen[rail.ID] {
				return fmt.Errorf("provider %s has duplicate rail %s", p.ID, rail.ID)
			}
			railSeen[rail.ID] = true
			if !validSettlementClass(rail.SettlementClass) {
				return fmt.Errorf("rail %s/%s has unknown settlement_class %s", p.ID, rail.ID, rail.SettlementClass)
			}
			if len(rail.Currencies) == 0 {
				return fmt.Errorf("rail %s/%s lists no currencies", p.ID, rail.ID)
			}
			if rail.MaxAmountMinor > 0 && rail.MinAmountMinor > rail.MaxAmountMinor {
				return fmt.Errorf("rail %s/%s min amount exceeds max", p.ID, rail.ID)
			}
		}
	}
	for urgency := range c.Routing.AttemptTimeoutSeconds {
		if !domain.ValidUrgency(urgency) {
			return fmt.Errorf("routing.attempt_timeout_seconds has unknown urgency %s", urgency)
		}
	}
	for urgency := range c.Routing.UrgencyWindowSeconds {
		if !domain.ValidUrgency(urgency) {
			return fmt.Errorf("routing.urgency_window_seconds has unknown urgency %s", urgency)
		}
	}
	for tier, classes := range c.Eligibility.KYCTiers {
		if tier == "" {
			return fmt.Errorf("eligibility.kyc_tiers contains empty tier")
		}
		for _, class := range classes {
			if !validSettlementClass(class) {
				return fmt.Errorf("kyc tier %s references unknown settlement class %s", tier, class)
			}
		}
	}
	if c.Eligibility.CacheTTLSeconds > 300 {
		return fmt.Errorf("eligibility.cache_ttl_seconds must be <= 300")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "switchyard.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with swy config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `service:
  id: switchyard

providers:
  - id: tempo
    kind: tempo
    base_url: http://localhost:9401
    webhook_secret: tempo-dev-secret
    sla_target_ms: 800
    preference_weight: 0.9
    rails:
      - id: tempo-usdc
        settlement_class: instant
        currencies: [USD]
        min_amount_minor: 100
        max_amount_minor: 100000000
        fee_fixed_minor: 5
        fee_bps: 5
        settlement_window_seconds: 60
        instant_channel: true

  - id: circle
    kind: circle
    base_url: http://localhost:9402
    webhook_secret: circle-dev-secret
    sla_target_ms: 1200
    rails:
      - id: circle-usdc
        settlement_class: instant
        currencies: [USD]
        min_amount_minor: 100
        max_amount_minor: 50000000
        fee_fixed_minor: 10
        fee_bps: 10
        settlement_window_seconds: 120
        instant_channel: true

  - id: stripe
    kind: stripe
    base_url: http://localhost:9403
    webhook_secret: stripe-dev-secret
    sla_target_ms: 2000
    rails:
      - id: stripe-rtp
        settlement_class: instant
        currencies: [USD]
        min_amount_minor: 100
        max_amount_minor: 10000000
        fee_fixed_minor: 25
        fee_bps: 15
        settlement_window_seconds: 300
        instant_channel: true
      - id: stripe-wire
        settlement_class: same_day
        currencies: [USD, EUR]
        min_amount_minor: 10000
        max_amount_minor: 1000000000
        fee_fixed_minor: 2500
        fee_bps: 0
        settlement_window_seconds: 14400
        instant_channel: false

  - id: dwolla
    kind: dwolla
    base_url: http://localhost:9404
    webhook_secret: dwolla-dev-secret
    sla_target_ms: 3000
    poll: true
    rails:
      - id: dwolla-ach
        settlement_class: batch
        currencies: [USD]
        min_amount_minor: 1
        max_amount_minor: 500000000
        fee_fixed_minor: 0
        fee_bps: 2
        settlement_window_seconds: 259200
        instant_channel: false
      - id: dwolla-sameday-ach
        settlement_class: same_day
        currencies: [USD]
        min_amount_minor: 1
        max_amount_minor: 100000000
        fee_fixed_minor: 50
        fee_bps: 5
        settlement_window_seconds: 28800
        instant_channel: false

routing:
  allow_downgrade: false
  attempt_timeout_seconds:
    emergency: 5
    instant: 5
    express: 15
    standard: 30
  urgency_window_seconds:
    emergency: 14400
    instant: 3600
    express: 86400
    standard: 259200

health:
  down_after_consecutive_failures: 5
  window_calls: 50
  window_seconds: 600
  probe_timeout_seconds: 3

eligibility:
  cache_ttl_seconds: 300
  kyc_tiers:
    basic: [batch]
    standard: [batch, same_day]
    verified: [batch, same_day, instant]
`
