package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logger       LoggerConfig       `yaml:"logger"`
	Redis        RedisConfig        `yaml:"redis"`
	MySQL        MySQLConfig        `yaml:"mysql"`
	Queue        QueueConfig        `yaml:"queue"`
	Registry     RegistryConfig     `yaml:"registry"`
	Health       HealthConfig       `yaml:"health"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Admission    AdmissionConfig    `yaml:"admission"`
	AutoScaler   AutoScalerConfig   `yaml:"autoscaler"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Provisioner  ProvisionerConfig  `yaml:"provisioner"`
	Notification NotificationConfig `yaml:"notification"`
	K8s          K8sConfig          `yaml:"k8s"`

	// Warnings collects values that were replaced by defaults during loading.
	// The logger is initialized after config, so callers log these once it is ready.
	Warnings []string `yaml:"-"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for admin and worker routes (optional, empty disables auth)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig Redis configuration. An empty Addr runs the orchestrator in single-instance mode.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration for scaling history. Empty Host disables persistence.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	RetentionDays int `yaml:"retention_days"` // scaling and worker events older than this are deleted daily
}

// Enabled reports whether scaling history persistence is configured
func (c MySQLConfig) Enabled() bool {
	return c.Host != ""
}

// DSN builds the go-sql-driver DSN
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// QueueConfig asynq queue configuration used by the asynq provisioner
type QueueConfig struct {
	Name     string        `yaml:"name"`      // asynq queue name
	MaxRetry int           `yaml:"max_retry"` // maximum retry count for intent tasks
	Timeout  time.Duration `yaml:"timeout"`   // per-task processing timeout
}

// RegistryConfig worker registry configuration
type RegistryConfig struct {
	DefaultMaxConcurrency int `yaml:"default_max_concurrency"` // applied when a worker registers without a limit, 0 = unlimited
	EventBuffer           int `yaml:"event_buffer"`            // per-subscriber event channel size
}

// HealthConfig health tracker configuration
type HealthConfig struct {
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency    int           `yaml:"probe_concurrency"`
	FailureThreshold    int           `yaml:"failure_threshold"`    // consecutive failures before UNREACHABLE
	EWMAAlpha           float64       `yaml:"ewma_alpha"`           // smoothing factor, recent samples dominate
	WindowSize          int           `yaml:"window_size"`          // recent sample window per model
	StragglerMultiplier float64       `yaml:"straggler_multiplier"` // latency > multiplier * pool median marks DEGRADED
	RecoveryStreak      int           `yaml:"recovery_streak"`      // consecutive at-or-below-median outcomes to return to HEALTHY
}

// SchedulerConfig scheduler configuration
type SchedulerConfig struct {
	FloorWeight float64 `yaml:"floor_weight"` // minimum traffic share of any candidate
	Seed        int64   `yaml:"seed"`         // 0 = time based
}

// BudgetConfig per-model admission budget, 0 means unlimited
type BudgetConfig struct {
	MaxRequestCost  int64 `yaml:"max_request_cost"`
	MaxInFlightCost int64 `yaml:"max_inflight_cost"`
}

// AdmissionConfig admission controller configuration
type AdmissionConfig struct {
	Default     BudgetConfig            `yaml:"default"`
	Models      map[string]BudgetConfig `yaml:"models"`
	CostWeights map[string]float64      `yaml:"cost_weights"` // per-model multiplier of the default token estimate
}

// ScalingPolicyConfig per-model autoscaling policy
type ScalingPolicyConfig struct {
	ScaleOutThreshold float64       `yaml:"scale_out_threshold"` // in-flight requests per eligible worker
	ScaleInThreshold  float64       `yaml:"scale_in_threshold"`
	ScaleOutDwell     time.Duration `yaml:"scale_out_dwell"`
	ScaleInDwell      time.Duration `yaml:"scale_in_dwell"`
	ScaleOutStep      int           `yaml:"scale_out_step"`
	MinWorkers        int           `yaml:"min_workers"`
	MaxWorkers        int           `yaml:"max_workers"` // 0 = unbounded
	UnhealthyFraction float64       `yaml:"unhealthy_fraction"`
}

// AutoScalerConfig autoscaler configuration
type AutoScalerConfig struct {
	Enabled       bool                           `yaml:"enabled"`
	Interval      time.Duration                  `yaml:"interval"`
	IntentTimeout time.Duration                  `yaml:"intent_timeout"`
	LoadAlpha     float64                        `yaml:"load_alpha"` // smoothing of the per-tick load signal
	Default       ScalingPolicyConfig            `yaml:"default"`
	Models        map[string]ScalingPolicyConfig `yaml:"models"`
}

// GatewayConfig request path configuration
type GatewayConfig struct {
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
}

// ProvisionerConfig selects how scaling intents are fulfilled
type ProvisionerConfig struct {
	Type string `yaml:"type"` // log, k8s, asynq
}

// NotificationConfig webhook notification configuration
type NotificationConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// K8sConfig K8s provisioner configuration
type K8sConfig struct {
	Namespace   string            `yaml:"namespace"`
	Deployments map[string]string `yaml:"deployments"` // model id -> deployment name
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads, defaults and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	validateAndApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration populated only with defaults
func Default() *Config {
	cfg := &Config{}
	validateAndApplyDefaults(cfg)
	return cfg
}

// PolicyFor returns the scaling policy for a model, falling back to the default policy
func (c *AutoScalerConfig) PolicyFor(modelID string) ScalingPolicyConfig {
	if p, ok := c.Models[modelID]; ok {
		return p
	}
	return c.Default
}
