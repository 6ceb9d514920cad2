package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// TestLoadConfig tests configuration loading
func TestLoadConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "9090")
	t.Setenv("TICK_INTERVAL", "5s")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("GLOBAL_CEILING", "100")
	t.Setenv("ORG_ID", "acme")
	t.Setenv("JOB_KIND", "infer")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "test" {
		t.Errorf("Expected environment 'test', got '%s'", cfg.Environment)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected port '9090', got '%s'", cfg.Port)
	}

	if cfg.Supervisor.TickInterval != 5*time.Second {
		t.Errorf("Expected tick interval 5s, got %s", cfg.Supervisor.TickInterval)
	}

	if cfg.Supervisor.HeartbeatTimeout != 45*time.Second || cfg.Agent.HeartbeatTimeout != 45*time.Second {
		t.Errorf("Expected heartbeat timeout shared by supervisor and agent")
	}

	if cfg.Supervisor.MaxRetries != 5 || cfg.Agent.MaxRetries != 5 {
		t.Errorf("Expected max retries 5 for both sections")
	}

	if cfg.Supervisor.GlobalCeiling != 100 {
		t.Errorf("Expected GlobalCeiling 100, got %d", cfg.Supervisor.GlobalCeiling)
	}

	if cfg.Agent.Resources.GPUType != "l4" || cfg.Agent.Resources.GPUCount != 1 {
		t.Errorf("Expected agent resources from the infer profile, got %+v", cfg.Agent.Resources)
	}

	if err := cfg.Agent.ValidateAgent(); err != nil {
		t.Errorf("Expected valid agent config, got %v", err)
	}
}

// TestLoadConfigDefaults tests default values
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Expected default environment 'development', got '%s'", cfg.Environment)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port '8080', got '%s'", cfg.Port)
	}

	s := cfg.Supervisor
	if s.TickInterval != 15*time.Second {
		t.Errorf("Expected default tick 15s, got %s", s.TickInterval)
	}
	if s.HeartbeatTimeout != 120*time.Second {
		t.Errorf("Expected default heartbeat timeout 120s, got %s", s.HeartbeatTimeout)
	}
	if cfg.Agent.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected default heartbeat interval 30s, got %s", cfg.Agent.HeartbeatInterval)
	}
	if s.GlobalCeiling != 50 {
		t.Errorf("Expected default GlobalCeiling 50, got %d", s.GlobalCeiling)
	}
	if s.JobsPerWorker != 1 {
		t.Errorf("Expected default JobsPerWorker 1, got %d", s.JobsPerWorker)
	}
	if len(s.Kinds) != len(models.JobKinds) {
		t.Errorf("Expected a kind profile per job kind, got %d", len(s.Kinds))
	}
}

// TestLoadConfigFile tests YAML overlay with environment precedence
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	content := `
environment: staging
database_driver: pgx
database_url: postgres://fleet@db/fleet
supervisor:
  tick_interval: 20s
  global_ceiling: 12
  org_quotas:
    acme: 4
kinds:
  train:
    gpu_type: h100
    gpu_count: 8
    image: registry.local/agent:train
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("GLOBAL_CEILING", "30")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "staging" {
		t.Errorf("Expected environment from file, got %s", cfg.Environment)
	}
	if cfg.DatabaseDriver != "pgx" {
		t.Errorf("Expected pgx driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.Supervisor.TickInterval != 20*time.Second {
		t.Errorf("Expected tick interval 20s from file, got %s", cfg.Supervisor.TickInterval)
	}
	if cfg.Supervisor.GlobalCeiling != 30 {
		t.Errorf("Expected env to override file ceiling, got %d", cfg.Supervisor.GlobalCeiling)
	}
	if cfg.Supervisor.OrgQuotas["acme"] != 4 {
		t.Errorf("Expected acme quota 4, got %d", cfg.Supervisor.OrgQuotas["acme"])
	}
	train := cfg.Supervisor.Kinds[models.JobKindTrain]
	if train.GPUType != "h100" || train.Image != "registry.local/agent:train" {
		t.Errorf("Expected train profile from file, got %+v", train)
	}
	if _, ok := cfg.Supervisor.Kinds[models.JobKindInfer]; !ok {
		t.Error("Expected default infer profile to survive the file overlay")
	}
}

// TestValidateRejectsSlowHeartbeat tests heartbeat interval must be shorter than the timeout
func TestValidateRejectsSlowHeartbeat(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "2m")
	t.Setenv("HEARTBEAT_TIMEOUT", "90s")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error when heartbeat interval exceeds the timeout")
	}
}

// TestValidateAgentRequiresIdentity tests agent-only required fields
func TestValidateAgentRequiresIdentity(t *testing.T) {
	cfg := Default()
	if err := cfg.Agent.ValidateAgent(); err == nil {
		t.Error("Expected error without ORG_ID and JOB_KIND")
	}

	cfg.Agent.OrgID = "acme"
	cfg.Agent.Kind = models.JobKindTrain
	if err := cfg.Agent.ValidateAgent(); err != nil {
		t.Errorf("Expected valid agent config, got %v", err)
	}
}

// TestValidateRejectsUnknownDriver tests database driver validation
func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error for unsupported database driver")
	}
}

func TestVerbosity(t *testing.T) {
	tests := map[string]int{"info": 0, "DEBUG": 4, "trace": 6, "verbose": 2, "": 0}
	for level, want := range tests {
		c := &Config{LogLevel: level}
		if got := c.Verbosity(); got != want {
			t.Errorf("Verbosity(%q) = %d, want %d", level, got, want)
		}
	}
}

func TestAgentEnvironment(t *testing.T) {
	c := Default()
	c.DatabaseDriver = "pgx"
	c.DatabaseURL = "postgres://fleet@db/fleet"
	c.RedisURL = "redis:6379"
	c.Supervisor.AgentEnv = map[string]string{"DATABASE_URL": "postgres://fleet@db-internal/fleet", "EXTRA": "1"}

	env := c.AgentEnvironment()
	if env["DATABASE_DRIVER"] != "pgx" {
		t.Errorf("DATABASE_DRIVER = %q", env["DATABASE_DRIVER"])
	}
	if env["DATABASE_URL"] != "postgres://fleet@db-internal/fleet" {
		t.Errorf("AgentEnv should override DATABASE_URL, got %q", env["DATABASE_URL"])
	}
	if env["REDIS_URL"] != "redis:6379" || env["EXTRA"] != "1" {
		t.Errorf("unexpected env: %v", env)
	}
	if env["HEARTBEAT_TIMEOUT"] != "2m0s" || env["MAX_RETRIES"] != "3" {
		t.Errorf("timeouts not propagated: %v", env)
	}
}
