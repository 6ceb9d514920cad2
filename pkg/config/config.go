package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// Config holds the application configuration. It is loaded once at
// process start; the Supervisor and Agent receive copies of their
// sections and never read the environment themselves.
type Config struct {
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
	Port           string `yaml:"port"`
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	RedisURL       string `yaml:"redis_url"`
	Provisioner    string `yaml:"provisioner"`
	Namespace      string `yaml:"namespace"`

	Supervisor SupervisorConfig               `yaml:"supervisor"`
	Agent      AgentConfig                    `yaml:"agent"`
	Kinds      map[models.JobKind]KindProfile `yaml:"kinds"`
}

// KindProfile describes the instance shape provisioned for a job kind
type KindProfile struct {
	GPUType  string `yaml:"gpu_type"`
	GPUCount int    `yaml:"gpu_count"`
	MemoryMB int64  `yaml:"memory_mb"`

	// Image is the agent image booted on instances of this kind
	Image string `yaml:"image"`
}

// Resources returns the capacity an instance of this profile offers
func (p KindProfile) Resources() models.ResourceRequirements {
	return models.ResourceRequirements{GPUType: p.GPUType, GPUCount: p.GPUCount, MemoryMB: p.MemoryMB}
}

// SupervisorConfig tunes the control loop
type SupervisorConfig struct {
	TickInterval         time.Duration  `yaml:"tick_interval"`
	HeartbeatTimeout     time.Duration  `yaml:"heartbeat_timeout"`
	ProvisionTimeout     time.Duration  `yaml:"provision_timeout"`
	MaxRetries           int            `yaml:"max_retries"`
	JobsPerWorker        int            `yaml:"jobs_per_worker"`
	GlobalCeiling        int            `yaml:"global_ceiling"`
	DefaultOrgQuota      int            `yaml:"default_org_quota"`
	OrgQuotas            map[string]int `yaml:"org_quotas"`
	ProvisionMaxAttempts int            `yaml:"provision_max_attempts"`
	ProvisionBackoff     time.Duration  `yaml:"provision_backoff"`
	ProvisionBackoffCap  time.Duration  `yaml:"provision_backoff_cap"`
	ProvisionConcurrency int            `yaml:"provision_concurrency"`
	ProvisionRateLimit   float64        `yaml:"provision_rate_limit"`
	AgentImage           string         `yaml:"agent_image"`

	// AgentEnv is passed to every provisioned agent (store DSN, redis URL)
	AgentEnv map[string]string              `yaml:"agent_env"`
	Kinds    map[models.JobKind]KindProfile `yaml:"-"`
}

// AgentConfig tunes a single worker agent
type AgentConfig struct {
	WorkerID           string                      `yaml:"worker_id"`
	InstanceID         string                      `yaml:"instance_id"`
	OrgID              string                      `yaml:"org_id"`
	Kind               models.JobKind              `yaml:"kind"`
	Resources          models.ResourceRequirements `yaml:"resources"`
	Image              string                      `yaml:"image"`
	HeartbeatInterval  time.Duration               `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration               `yaml:"heartbeat_timeout"`
	PollInterval       time.Duration               `yaml:"poll_interval"`
	PollMaxInterval    time.Duration               `yaml:"poll_max_interval"`
	CancelPollInterval time.Duration               `yaml:"cancel_poll_interval"`
	ClaimBatchSize     int                         `yaml:"claim_batch_size"`
	MaxRetries         int                         `yaml:"max_retries"`
	WorkDir            string                      `yaml:"work_dir"`
	LogDir             string                      `yaml:"log_dir"`
	MetricsPort        string                      `yaml:"metrics_port"`
}

// Default returns the conservative defaults used until real workload data exists
func Default() *Config {
	hostname, _ := os.Hostname()
	config := &Config{
		Environment:    "development",
		LogLevel:       "info",
		Port:           "8080",
		DatabaseDriver: "sqlite",
		DatabaseURL:    "fleet-data/fleet.db",
		Provisioner:    "kubernetes",
		Namespace:      "mimir-fleet",
		Supervisor: SupervisorConfig{
			TickInterval:         15 * time.Second,
			HeartbeatTimeout:     120 * time.Second,
			ProvisionTimeout:     10 * time.Minute,
			MaxRetries:           3,
			JobsPerWorker:        1,
			GlobalCeiling:        50,
			DefaultOrgQuota:      10,
			ProvisionMaxAttempts: 3,
			ProvisionBackoff:     time.Second,
			ProvisionBackoffCap:  30 * time.Second,
			ProvisionConcurrency: 4,
			ProvisionRateLimit:   5,
			AgentImage:           "mimir-fleet/agent:latest",
		},
		Agent: AgentConfig{
			WorkerID:           fmt.Sprintf("worker-%s-%d", hostname, os.Getpid()),
			InstanceID:         hostname,
			HeartbeatInterval:  30 * time.Second,
			HeartbeatTimeout:   120 * time.Second,
			PollInterval:       time.Second,
			PollMaxInterval:    30 * time.Second,
			CancelPollInterval: 10 * time.Second,
			ClaimBatchSize:     10,
			MaxRetries:         3,
			WorkDir:            os.TempDir(),
			LogDir:             "fleet-logs",
		},
		Kinds: map[models.JobKind]KindProfile{
			models.JobKindTrain:    {GPUType: "a100", GPUCount: 8, MemoryMB: 1 << 20},
			models.JobKindFinetune: {GPUType: "a100", GPUCount: 4, MemoryMB: 1 << 19},
			models.JobKindInfer:    {GPUType: "l4", GPUCount: 1, MemoryMB: 1 << 16},
		},
	}
	config.Supervisor.Kinds = config.Kinds
	return config
}

// LoadConfig loads configuration from an optional YAML file (CONFIG_FILE)
// and then environment variables, which take precedence
func LoadConfig() (*Config, error) {
	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.Environment = getEnv("ENVIRONMENT", config.Environment)
	config.LogLevel = getEnv("LOG_LEVEL", config.LogLevel)
	config.Port = getEnv("PORT", config.Port)
	config.DatabaseDriver = getEnv("DATABASE_DRIVER", config.DatabaseDriver)
	config.DatabaseURL = getEnv("DATABASE_URL", config.DatabaseURL)
	config.RedisURL = getEnv("REDIS_URL", config.RedisURL)
	config.Provisioner = getEnv("PROVISIONER", config.Provisioner)
	config.Namespace = getEnv("K8S_NAMESPACE", config.Namespace)

	heartbeatTimeout := getEnvAsDuration("HEARTBEAT_TIMEOUT", config.Supervisor.HeartbeatTimeout)
	maxRetries := getEnvAsInt("MAX_RETRIES", config.Supervisor.MaxRetries)

	s := &config.Supervisor
	s.TickInterval = getEnvAsDuration("TICK_INTERVAL", s.TickInterval)
	s.HeartbeatTimeout = heartbeatTimeout
	s.ProvisionTimeout = getEnvAsDuration("PROVISION_TIMEOUT", s.ProvisionTimeout)
	s.MaxRetries = maxRetries
	s.JobsPerWorker = getEnvAsInt("JOBS_PER_WORKER", s.JobsPerWorker)
	s.GlobalCeiling = getEnvAsInt("GLOBAL_CEILING", s.GlobalCeiling)
	s.DefaultOrgQuota = getEnvAsInt("DEFAULT_ORG_QUOTA", s.DefaultOrgQuota)
	s.ProvisionMaxAttempts = getEnvAsInt("PROVISION_MAX_ATTEMPTS", s.ProvisionMaxAttempts)
	s.ProvisionBackoff = getEnvAsDuration("PROVISION_BACKOFF", s.ProvisionBackoff)
	s.ProvisionConcurrency = getEnvAsInt("PROVISION_CONCURRENCY", s.ProvisionConcurrency)
	s.AgentImage = getEnv("AGENT_IMAGE", s.AgentImage)
	s.Kinds = config.Kinds

	a := &config.Agent
	a.WorkerID = getEnv("WORKER_ID", a.WorkerID)
	a.InstanceID = getEnv("INSTANCE_ID", a.InstanceID)
	a.OrgID = getEnv("ORG_ID", a.OrgID)
	a.Kind = models.JobKind(getEnv("JOB_KIND", string(a.Kind)))
	a.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", a.HeartbeatInterval)
	a.HeartbeatTimeout = heartbeatTimeout
	a.PollInterval = getEnvAsDuration("POLL_INTERVAL", a.PollInterval)
	a.PollMaxInterval = getEnvAsDuration("POLL_MAX_INTERVAL", a.PollMaxInterval)
	a.CancelPollInterval = getEnvAsDuration("CANCEL_POLL_INTERVAL", a.CancelPollInterval)
	a.ClaimBatchSize = getEnvAsInt("CLAIM_BATCH_SIZE", a.ClaimBatchSize)
	a.MaxRetries = maxRetries
	a.WorkDir = getEnv("WORK_DIR", a.WorkDir)
	a.LogDir = getEnv("LOG_DIR", a.LogDir)
	a.MetricsPort = getEnv("METRICS_PORT", a.MetricsPort)
	if profile, ok := config.Kinds[a.Kind]; ok {
		if a.Resources == (models.ResourceRequirements{}) {
			a.Resources = profile.Resources()
		}
		if a.Image == "" {
			a.Image = profile.Image
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks settings that would make the control loop unsafe
func (c *Config) Validate() error {
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "pgx" {
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (want sqlite or pgx)", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if err := c.Supervisor.Validate(); err != nil {
		return err
	}
	for kind := range c.Kinds {
		if !kind.Valid() {
			return fmt.Errorf("unknown job kind in kind profiles: %q", kind)
		}
	}
	return c.Agent.validateTimings()
}

// Validate checks the supervisor section
func (s SupervisorConfig) Validate() error {
	if s.TickInterval < time.Second {
		return fmt.Errorf("tick interval must be at least 1s, got %s", s.TickInterval)
	}
	if s.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if s.JobsPerWorker < 1 {
		return fmt.Errorf("jobs per worker must be at least 1, got %d", s.JobsPerWorker)
	}
	if s.GlobalCeiling < 0 || s.DefaultOrgQuota < 0 {
		return fmt.Errorf("global ceiling and default org quota must not be negative")
	}
	if s.ProvisionMaxAttempts < 1 {
		return fmt.Errorf("provision max attempts must be at least 1")
	}
	return nil
}

func (a AgentConfig) validateTimings() error {
	if a.HeartbeatInterval <= 0 || a.HeartbeatInterval >= a.HeartbeatTimeout {
		return fmt.Errorf("heartbeat interval %s must be positive and shorter than heartbeat timeout %s",
			a.HeartbeatInterval, a.HeartbeatTimeout)
	}
	if a.HeartbeatInterval*3 > a.HeartbeatTimeout {
		klog.Warningf("Heartbeat interval %s is more than a third of the timeout %s; workers may be declared dead under load",
			a.HeartbeatInterval, a.HeartbeatTimeout)
	}
	if a.PollInterval <= 0 || a.PollMaxInterval < a.PollInterval {
		return fmt.Errorf("poll interval must be positive and not exceed poll max interval")
	}
	return nil
}

// ValidateAgent checks the fields only a worker agent process needs
func (a AgentConfig) ValidateAgent() error {
	if a.WorkerID == "" {
		return fmt.Errorf("WORKER_ID is required")
	}
	if a.OrgID == "" {
		return fmt.Errorf("ORG_ID is required")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("JOB_KIND must be one of train, finetune, infer; got %q", a.Kind)
	}
	if a.ClaimBatchSize < 1 {
		return fmt.Errorf("claim batch size must be at least 1")
	}
	return a.validateTimings()
}

// Verbosity maps LOG_LEVEL onto a klog -v level
func (c *Config) Verbosity() int {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return 4
	case "trace":
		return 6
	case "verbose":
		return 2
	}
	return 0
}

// ConfigureLogging applies LogLevel to klog
func (c *Config) ConfigureLogging() {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.Itoa(c.Verbosity())); err != nil {
		klog.ErrorS(err, "Failed to set log verbosity", "level", c.LogLevel)
	}
}

// AgentEnvironment returns the settings an agent process needs to reach the
// same store and notifier as this supervisor, merged under Supervisor.AgentEnv
func (c *Config) AgentEnvironment() map[string]string {
	env := map[string]string{
		"DATABASE_DRIVER":   c.DatabaseDriver,
		"DATABASE_URL":      c.DatabaseURL,
		"LOG_LEVEL":         c.LogLevel,
		"HEARTBEAT_TIMEOUT": c.Supervisor.HeartbeatTimeout.String(),
		"MAX_RETRIES":       strconv.Itoa(c.Supervisor.MaxRetries),
	}
	if c.RedisURL != "" {
		env["REDIS_URL"] = c.RedisURL
	}
	for k, v := range c.Supervisor.AgentEnv {
		env[k] = v
	}
	return env
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration ("30s") or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
