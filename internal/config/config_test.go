package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/propstream/propstream/internal/admission"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	if problems := cfg.Validate(); len(problems) != 0 {
		t.Fatalf("default config invalid: %v", problems)
	}
	if len(cfg.Providers) == 0 {
		t.Error("default config declares no providers")
	}
	if cfg.Store.RedisAddr != "" {
		t.Errorf("default store should be embedded, got redis %q", cfg.Store.RedisAddr)
	}
	if cfg.Bridge.URL != "" {
		t.Errorf("default bridge should be disabled, got %q", cfg.Bridge.URL)
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
streamer:
  interval: 5s
gateway:
  port: 9090
settlement:
  disputes_enabled: false
providers:
  - name: localbook
    sport: nfl
    seed: 42
    fail_rate: 0.05
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Streamer.Interval != 5*time.Second {
		t.Errorf("interval = %v", cfg.Streamer.Interval)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Settlement.DisputesEnabled {
		t.Error("disputes still enabled")
	}

	// Untouched sections keep their defaults.
	if cfg.Bus.QueueSize != 256 {
		t.Errorf("bus queue size = %d, want default 256", cfg.Bus.QueueSize)
	}
	if cfg.Streamer.Sport != "nba" {
		t.Errorf("sport = %q, want default", cfg.Streamer.Sport)
	}
	if cfg.Settlement.ConfidenceThreshold != 0.60 {
		t.Errorf("confidence threshold = %v, want default", cfg.Settlement.ConfidenceThreshold)
	}

	// A providers list in the file replaces the default list wholesale.
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "localbook" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load accepted a missing file")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Streamer.Interval != Default().Streamer.Interval {
		t.Errorf("interval = %v", cfg.Streamer.Interval)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9090
store:
  redis_addr: file-redis:6379
bridge:
  url: amqp://file-broker/
`)

	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("AMQP_URL", "amqp://env-broker/")
	t.Setenv("PG_DSN", "postgres://env/archive")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Gateway.Port)
	}
	if cfg.Store.RedisAddr != "env-redis:6379" {
		t.Errorf("redis = %q", cfg.Store.RedisAddr)
	}
	if cfg.Bridge.URL != "amqp://env-broker/" {
		t.Errorf("bridge url = %q", cfg.Bridge.URL)
	}
	if !cfg.Archive.Enabled || cfg.Archive.DSN != "postgres://env/archive" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
}

func TestPolicySetOverlaysPerKey(t *testing.T) {
	section := AdmissionConfig{
		Endpoints: map[string]admission.Policy{
			"/api/stream/cycle": {Requests: 3, WindowSeconds: 60, Strategy: admission.FixedWindow},
		},
		Tiers: map[string]admission.Policy{
			"premium": {Requests: 9000, WindowSeconds: 3600, Strategy: admission.SlidingWindow},
		},
	}

	ps := section.PolicySet()

	// Overridden keys take the configured values.
	if got := ps.Resolve("/api/stream/cycle", "public"); got.Requests != 3 || got.Strategy != admission.FixedWindow {
		t.Errorf("overridden endpoint = %+v", got)
	}
	if got := ps.Resolve("/other", "premium"); got.Requests != 9000 {
		t.Errorf("overridden tier = %+v", got)
	}

	// Untouched built-ins survive the overlay.
	if got := ps.Resolve("/api/settlements", "public"); got.Requests != 50 {
		t.Errorf("built-in endpoint lost: %+v", got)
	}
	if got := ps.Resolve("/other", "admin"); got.Requests != 10000 {
		t.Errorf("built-in tier lost: %+v", got)
	}
	if got := ps.IPPolicy(); got.Requests != 1000 {
		t.Errorf("default ip policy lost: %+v", got)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "chatty"
	cfg.Gateway.Port = 0
	cfg.Providers = []ProviderConfig{
		{Name: "dup", Sport: "nba"},
		{Name: "dup", Sport: "nba"},
		{Name: "wild", Sport: "nba", FailRate: 1.5},
	}
	cfg.Admission.Endpoints = map[string]admission.Policy{
		"/api/x": {Requests: 0, WindowSeconds: 60, Strategy: "GUESSWORK"},
	}
	cfg.Admission.Guard.WarningFrac = 0.95
	cfg.Admission.Guard.CriticalFrac = 0.90
	cfg.Archive.Enabled = true

	problems := cfg.Validate()
	if len(problems) == 0 {
		t.Fatal("Validate found nothing")
	}

	joined := strings.Join(problems, "\n")
	for _, want := range []string{
		"log.level",
		"gateway.port",
		"declared twice",
		"fail_rate",
		"requests must be positive",
		"unknown strategy",
		"warning_frac",
		"archive.dsn",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %q:\n%s", want, joined)
		}
	}
}

func TestValidateProviderKindConflicts(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{
		{Name: "both", Sport: "nba", URL: "https://api.example", Fixture: "board.yaml"},
		{Name: "neg", Sport: "nba", RPS: -1, DailyBudget: -5},
	}

	joined := strings.Join(cfg.Validate(), "\n")
	for _, want := range []string{
		"both url and fixture",
		"rps must not be negative",
		"daily_budget must not be negative",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %q:\n%s", want, joined)
		}
	}
}
