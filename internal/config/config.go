package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

// Config models aims.yml.
type Config struct {
	Controller struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"controller"`
	Policy PolicyConfig `yaml:"policy"`
	Server struct {
		Listen    string `yaml:"listen"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Estimator struct {
		CostPer1KTokensUSD float64 `yaml:"cost_per_1k_tokens_usd"`
		DiscountPct        float64 `yaml:"discount_pct"`
	} `yaml:"estimator"`
}

// PolicyConfig is the YAML shape of the controller policy.
type PolicyConfig struct {
	Enabled                 *bool    `yaml:"enabled"`
	AutoApproveThresholdUSD float64  `yaml:"auto_approve_threshold_usd"`
	MaxConcurrentRuns       int      `yaml:"max_concurrent_runs"`
	OperatingHours          string   `yaml:"operating_hours"`
	CustomHoursStart        int      `yaml:"custom_hours_start"`
	CustomHoursEnd          int      `yaml:"custom_hours_end"`
	StallTimeoutMinutes     int      `yaml:"stall_timeout_minutes"`
	MonthlyBudgetCapUSD     float64  `yaml:"monthly_budget_cap_usd"`
	AllowedSources          []string `yaml:"allowed_sources"`
	AutoWireEnabled         *bool    `yaml:"auto_wire_enabled"`
	HealthRemediationMode   string   `yaml:"health_remediation_mode"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aims.yml")
}

// Load reads and validates config from workspace. A missing file yields
// the defaults rather than an error; the controller must come up without
// ceremony.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML document.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Controller.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.controller.poll_interval_seconds must be positive")
	}
	p := c.Policy
	switch domain.OperatingHours(p.OperatingHours) {
	case domain.HoursAlways, domain.HoursBusiness:
	case domain.HoursCustom:
		if p.CustomHoursStart < 0 || p.CustomHoursStart > 23 || p.CustomHoursEnd < 0 || p.CustomHoursEnd > 23 {
			return fmt.Errorf("config.policy custom hours must be within 0-23")
		}
		if p.CustomHoursStart == p.CustomHoursEnd {
			return fmt.Errorf("config.policy custom hours window is empty")
		}
	default:
		return fmt.Errorf("config.policy.operating_hours must be always, business or custom")
	}
	if p.MaxConcurrentRuns < 1 {
		return fmt.Errorf("config.policy.max_concurrent_runs must be at least 1")
	}
	if p.AutoApproveThresholdUSD < 0 {
		return fmt.Errorf("config.policy.auto_approve_threshold_usd must not be negative")
	}
	if p.MonthlyBudgetCapUSD <= 0 {
		return fmt.Errorf("config.policy.monthly_budget_cap_usd must be positive")
	}
	if p.StallTimeoutMinutes <= 0 {
		return fmt.Errorf("config.policy.stall_timeout_minutes must be positive")
	}
	for _, src := range p.AllowedSources {
		if !knownSource(src) {
			return fmt.Errorf("config.policy.allowed_sources contains unknown source %s", src)
		}
	}
	if c.Estimator.CostPer1KTokensUSD < 0 {
		return fmt.Errorf("config.estimator.cost_per_1k_tokens_usd must not be negative")
	}
	return nil
}

func knownSource(src string) bool {
	for _, s := range domain.KnownSources() {
		if string(s) == src {
			return true
		}
	}
	return false
}

// DomainPolicy converts the YAML policy into the domain value the
// controller operates on.
func (c *Config) DomainPolicy() domain.Policy {
	p := c.Policy
	pol := domain.Policy{
		Enabled:                 true,
		AutoApproveThresholdUSD: p.AutoApproveThresholdUSD,
		MaxConcurrentRuns:       p.MaxConcurrentRuns,
		OperatingHours:          domain.OperatingHours(p.OperatingHours),
		CustomHoursStart:        p.CustomHoursStart,
		CustomHoursEnd:          p.CustomHoursEnd,
		StallTimeoutMinutes:     p.StallTimeoutMinutes,
		MonthlyBudgetCapUSD:     p.MonthlyBudgetCapUSD,
		AutoWireEnabled:         true,
		HealthRemediationMode:   p.HealthRemediationMode,
	}
	if p.Enabled != nil {
		pol.Enabled = *p.Enabled
	}
	if p.AutoWireEnabled != nil {
		pol.AutoWireEnabled = *p.AutoWireEnabled
	}
	for _, src := range p.AllowedSources {
		pol.AllowedSources = append(pol.AllowedSources, domain.Source(src))
	}
	return pol
}

const defaultTemplate = `controller:
  poll_interval_seconds: 30

policy:
  enabled: true
  auto_approve_threshold_usd: 5.0
  max_concurrent_runs: 3
  operating_hours: always
  stall_timeout_minutes: 30
  monthly_budget_cap_usd: 500.0
  allowed_sources: []
  auto_wire_enabled: true
  health_remediation_mode: monitor

server:
  listen: ":8080"
  jwt_secret: ""

estimator:
  cost_per_1k_tokens_usd: 0.012
  discount_pct: 0.0
`
