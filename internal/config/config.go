// Package config assembles the pipeline's configuration: compiled-in
// defaults, overlaid by an optional YAML file, overridden by environment
// variables. Every threshold that gates traffic lives here rather than in
// code.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/propstream/propstream/internal/admission"
	"github.com/propstream/propstream/internal/bridge"
	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/gateway"
	"github.com/propstream/propstream/internal/resilience"
	"github.com/propstream/propstream/internal/settlement"
	"github.com/propstream/propstream/internal/settlement/archive"
	"github.com/propstream/propstream/internal/store"
	"github.com/propstream/propstream/internal/streamer"
)

// Config is the full runtime configuration, one section per component.
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Store      store.Config      `yaml:"store"`
	Bus        bus.Config        `yaml:"bus"`
	Resilience resilience.Config `yaml:"resilience"`
	Streamer   streamer.Config   `yaml:"streamer"`
	Providers  []ProviderConfig  `yaml:"providers"`
	Settlement settlement.Config `yaml:"settlement"`
	Archive    archive.Config    `yaml:"archive"`
	Admission  AdmissionConfig   `yaml:"admission"`
	Gateway    gateway.Config    `yaml:"gateway"`
	Bridge     bridge.Config     `yaml:"bridge"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level string `yaml:"level"`
	// Pretty forces console formatting even when stderr is not a terminal.
	Pretty bool `yaml:"pretty"`
}

// ProviderConfig declares one upstream book. A URL makes it a live HTTP
// provider, a fixture path makes it replay quotes from disk; with neither it
// generates a synthetic board, which keeps the pipeline runnable without
// credentials.
type ProviderConfig struct {
	Name  string `yaml:"name"`
	Sport string `yaml:"sport"`

	// URL is the base of a sportsbook quote API. Takes precedence over the
	// fixture and synthetic knobs.
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	DailyBudget int64         `yaml:"daily_budget"`

	// Fixture is a YAML quote file. When set the synthetic knobs below are
	// ignored.
	Fixture  string        `yaml:"fixture"`
	Seed     int64         `yaml:"seed"`
	FailRate float64       `yaml:"fail_rate"`
	Latency  time.Duration `yaml:"latency"`
}

// AdmissionConfig overlays the built-in policy tables per key and tunes the
// queue guard.
type AdmissionConfig struct {
	Endpoints map[string]admission.Policy `yaml:"endpoints"`
	Tiers     map[string]admission.Policy `yaml:"tiers"`
	IP        *admission.Policy           `yaml:"ip"`
	Guard     admission.GuardConfig       `yaml:"guard"`
}

// PolicySet compiles the admission section: built-in tables first, then any
// configured entries on top, key by key.
func (c AdmissionConfig) PolicySet() *admission.PolicySet {
	endpoints, tiers, ip := admission.DefaultPolicyTables()
	for k, v := range c.Endpoints {
		endpoints[k] = v
	}
	for k, v := range c.Tiers {
		tiers[k] = v
	}
	if c.IP != nil {
		ip = *c.IP
	}
	return admission.NewPolicySet(endpoints, tiers, ip)
}

// Default returns the compiled-in configuration. It boots a complete demo
// pipeline: embedded store, two synthetic books, no archive, no broker.
func Default() Config {
	return Config{
		Log:        LogConfig{Level: "info"},
		Store:      store.DefaultConfig(),
		Bus:        bus.DefaultConfig(),
		Resilience: resilience.DefaultConfig(),
		Streamer:   streamer.DefaultConfig(),
		Providers: []ProviderConfig{
			{Name: "synthbook", Sport: "nba", Seed: 1},
			{Name: "rivalbook", Sport: "nba", Seed: 2, FailRate: 0.15},
		},
		Settlement: settlement.DefaultConfig(),
		Archive:    archive.DefaultConfig(),
		Admission:  AdmissionConfig{Guard: admission.DefaultGuardConfig()},
		Gateway:    gateway.DefaultConfig(),
		Bridge:     bridge.DefaultConfig(),
	}
}

// Load reads path (optional; empty means defaults only), overlays it onto
// Default, then applies environment overrides. Env beats file beats default.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps the deployment environment onto the config. These are the
// only knobs operators set outside the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.RedisPassword = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		c.Archive.DSN = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate returns every problem found, not just the first, so operators fix
// a file in one pass. An empty slice means the config is usable.
func (c Config) Validate() []string {
	var problems []string

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q is not a zerolog level", c.Log.Level))
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("gateway.port %d outside [1, 65535]", c.Gateway.Port))
	}
	if c.Streamer.Interval < 0 {
		problems = append(problems, "streamer.interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("providers[%d] has no name", i))
			continue
		}
		if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("provider %q declared twice", p.Name))
		}
		seen[p.Name] = true
		if p.FailRate < 0 || p.FailRate > 1 {
			problems = append(problems, fmt.Sprintf("provider %q fail_rate %.2f outside [0, 1]", p.Name, p.FailRate))
		}
		if p.URL != "" && p.Fixture != "" {
			problems = append(problems, fmt.Sprintf("provider %q sets both url and fixture", p.Name))
		}
		if p.RPS < 0 {
			problems = append(problems, fmt.Sprintf("provider %q rps must not be negative", p.Name))
		}
		if p.DailyBudget < 0 {
			problems = append(problems, fmt.Sprintf("provider %q daily_budget must not be negative", p.Name))
		}
	}

	for endpoint, pol := range c.Admission.Endpoints {
		problems = append(problems, validatePolicy("admission.endpoints."+endpoint, pol)...)
	}
	for tier, pol := range c.Admission.Tiers {
		problems = append(problems, validatePolicy("admission.tiers."+tier, pol)...)
	}
	if c.Admission.IP != nil {
		problems = append(problems, validatePolicy("admission.ip", *c.Admission.IP)...)
	}
	if g := c.Admission.Guard; g.WarningFrac > 0 && g.CriticalFrac > 0 && g.WarningFrac >= g.CriticalFrac {
		problems = append(problems, fmt.Sprintf(
			"admission.guard warning_frac %.2f must be below critical_frac %.2f",
			g.WarningFrac, g.CriticalFrac))
	}

	if c.Settlement.ConfidenceThreshold < 0 || c.Settlement.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf(
			"settlement.confidence_threshold %.2f outside [0, 1]", c.Settlement.ConfidenceThreshold))
	}
	if s := c.Settlement.Sweep; s.Interval < 0 || (s.Enabled && s.CutoffDays < 0) {
		problems = append(problems, "settlement.sweep interval and cutoff_days must not be negative")
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		problems = append(problems, "archive.enabled is set but archive.dsn is empty")
	}
	if c.Bridge.BackoffFactor != 0 && c.Bridge.BackoffFactor <= 1 {
		problems = append(problems, fmt.Sprintf(
			"bridge.backoff_factor %.2f must exceed 1", c.Bridge.BackoffFactor))
	}

	return problems
}

func validatePolicy(name string, p admission.Policy) []string {
	var problems []string
	if p.Requests <= 0 {
		problems = append(problems, fmt.Sprintf("%s: requests must be positive", name))
	}
	if p.WindowSeconds <= 0 {
		problems = append(problems, fmt.Sprintf("%s: window_seconds must be positive", name))
	}
	switch p.Strategy {
	case admission.FixedWindow, admission.SlidingWindow, admission.TokenBucket, admission.LeakyBucket:
	default:
		problems = append(problems, fmt.Sprintf("%s: unknown strategy %q", name, p.Strategy))
	}
	return problems
}
