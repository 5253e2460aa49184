package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting of the logwatch engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Rules        RulesConfig        `yaml:"rules"`
	Playbook     PlaybookConfig     `yaml:"playbook"`
	Grouping     GroupingConfig     `yaml:"grouping"`
	Detection    DetectionConfig    `yaml:"detection"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Reasoning    ReasoningConfig    `yaml:"reasoning"`
	Email        EmailConfig        `yaml:"email"`
	CloudLogging CloudLoggingConfig `yaml:"cloudLogging"`
	Storage      StorageConfig      `yaml:"storage"`
	Archive      ArchiveConfig      `yaml:"archive"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig points at the detection rule directory.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// PlaybookConfig points at the remediation playbook.
type PlaybookConfig struct {
	Path string `yaml:"path"`
}

// GroupingConfig tunes anomaly clustering.
type GroupingConfig struct {
	Window            time.Duration `yaml:"window"`
	MaxMembers        int           `yaml:"maxMembers"`
	SimilarityBuckets bool          `yaml:"similarityBuckets"`
}

// DetectionConfig holds the statistical signal thresholds applied to each group.
type DetectionConfig struct {
	ErrorRateThreshold  float64       `yaml:"errorRateThreshold"`
	LatencyThresholdMs  float64       `yaml:"latencyThresholdMs"`
	MinLatencySamples   int           `yaml:"minLatencySamples"`
	VolumeSpikeFactor   float64       `yaml:"volumeSpikeFactor"`
	RepeatWindow        time.Duration `yaml:"repeatWindow"`
	MinRepeats          int           `yaml:"minRepeats"`
	MinExhaustionEvents int           `yaml:"minExhaustionEvents"`
}

// PipelineConfig tunes sessions.
type PipelineConfig struct {
	GenerationConcurrency int           `yaml:"generationConcurrency"`
	GenerationTimeout     time.Duration `yaml:"generationTimeout"`
	BatchSize             int           `yaml:"batchSize"`
	StreamBuffer          int           `yaml:"streamBuffer"`
	SessionHistory        int           `yaml:"sessionHistory"`
}

// ReasoningConfig configures the chat-completions backend.
type ReasoningConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	APIKey     string        `yaml:"apiKey"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxSamples int           `yaml:"maxSamples"`
}

// EmailConfig configures SendGrid report emails.
type EmailConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"baseURL"`
	APIKey   string        `yaml:"apiKey"`
	From     string        `yaml:"from"`
	To       []string      `yaml:"to"`
	Timeout  time.Duration `yaml:"timeout"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// CloudLoggingConfig configures live log polling.
type CloudLoggingConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	ProjectID    string        `yaml:"projectID"`
	Token        string        `yaml:"token"`
	Filter       string        `yaml:"filter"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PageSize     int           `yaml:"pageSize"`
	MaxFailures  int           `yaml:"maxFailures"`
	Timeout      time.Duration `yaml:"timeout"`
}

// StorageConfig selects the per-mode report namespace backend.
type StorageConfig struct {
	Backend   string        `yaml:"backend"`
	Redis     RedisConfig   `yaml:"redis"`
	ReportTTL time.Duration `yaml:"reportTTL"`
}

// RedisConfig configures the Redis namespace backend.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ArchiveConfig configures S3 archival of completed sessions.
type ArchiveConfig struct {
	Enabled bool          `yaml:"enabled"`
	Bucket  string        `yaml:"bucket"`
	Prefix  string        `yaml:"prefix"`
	Region  string        `yaml:"region"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_LOGWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Grouping.Window <= 0 {
		return fmt.Errorf("grouping.window must be positive")
	}
	if c.Detection.ErrorRateThreshold <= 0 || c.Detection.ErrorRateThreshold > 1 {
		return fmt.Errorf("detection.errorRateThreshold must be in (0, 1]")
	}
	if c.Pipeline.GenerationConcurrency <= 0 {
		return fmt.Errorf("pipeline.generationConcurrency must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			MaxUploadBytes:  50 << 20,
		},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Rules:    RulesConfig{Path: "configs/rules"},
		Playbook: PlaybookConfig{Path: "configs/playbook.yaml"},
		Grouping: GroupingConfig{Window: 5 * time.Minute, MaxMembers: 500},
		Detection: DetectionConfig{
			ErrorRateThreshold:  0.05,
			LatencyThresholdMs:  5000,
			MinLatencySamples:   10,
			VolumeSpikeFactor:   3,
			RepeatWindow:        5 * time.Minute,
			MinRepeats:          5,
			MinExhaustionEvents: 3,
		},
		Pipeline: PipelineConfig{
			GenerationConcurrency: 4,
			GenerationTimeout:     60 * time.Second,
			BatchSize:             100,
			StreamBuffer:          16,
			SessionHistory:        8,
		},
		Reasoning: ReasoningConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-4o-mini",
			Timeout:    45 * time.Second,
			MaxSamples: 20,
		},
		Email: EmailConfig{
			BaseURL:  "https://api.sendgrid.com",
			Timeout:  10 * time.Second,
			Cooldown: 15 * time.Minute,
		},
		CloudLogging: CloudLoggingConfig{
			BaseURL:      "https://logging.googleapis.com",
			Filter:       "severity>=WARNING",
			PollInterval: 15 * time.Second,
			PageSize:     500,
			MaxFailures:  5,
			Timeout:      10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: RedisConfig{
				KeyPrefix: "mirador:logwatch",
				Timeout:   500 * time.Millisecond,
			},
			ReportTTL: 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Prefix:  "logwatch",
			Timeout: 5 * time.Second,
			Retries: 3,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_LOGWATCH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_PLAYBOOK_PATH"); v != "" {
		cfg.Playbook.Path = v
	}
	envDuration("MIRADOR_LOGWATCH_GROUPING_WINDOW", &cfg.Grouping.Window)
	if v := os.Getenv("MIRADOR_LOGWATCH_SIMILARITY_BUCKETS"); v != "" {
		cfg.Grouping.SimilarityBuckets = envBool(v)
	}
	envDuration("MIRADOR_LOGWATCH_REPEAT_WINDOW", &cfg.Detection.RepeatWindow)
	envInt("MIRADOR_LOGWATCH_GENERATION_CONCURRENCY", &cfg.Pipeline.GenerationConcurrency)
	envDuration("MIRADOR_LOGWATCH_GENERATION_TIMEOUT", &cfg.Pipeline.GenerationTimeout)

	if v := os.Getenv("MIRADOR_LOGWATCH_REASONING_URL"); v != "" {
		cfg.Reasoning.BaseURL = v
	}
	if v := firstEnv("MIRADOR_LOGWATCH_REASONING_API_KEY", "OPENAI_API_KEY"); v != "" {
		cfg.Reasoning.APIKey = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_REASONING_MODEL"); v != "" {
		cfg.Reasoning.Model = v
	}
	envDuration("MIRADOR_LOGWATCH_REASONING_TIMEOUT", &cfg.Reasoning.Timeout)

	if v := os.Getenv("MIRADOR_LOGWATCH_EMAIL_ENABLED"); v != "" {
		cfg.Email.Enabled = envBool(v)
	}
	if v := firstEnv("MIRADOR_LOGWATCH_EMAIL_API_KEY", "SENDGRID_API_KEY"); v != "" {
		cfg.Email.APIKey = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_EMAIL_TO"); v != "" {
		cfg.Email.To = splitList(v)
	}
	envDuration("MIRADOR_LOGWATCH_EMAIL_COOLDOWN", &cfg.Email.Cooldown)

	if v := os.Getenv("MIRADOR_LOGWATCH_CLOUD_LOGGING_URL"); v != "" {
		cfg.CloudLogging.BaseURL = v
	}
	if v := firstEnv("MIRADOR_LOGWATCH_GCP_PROJECT_ID", "GCP_PROJECT_ID"); v != "" {
		cfg.CloudLogging.ProjectID = v
	}
	if v := firstEnv("MIRADOR_LOGWATCH_GCP_ACCESS_TOKEN", "GCP_ACCESS_TOKEN"); v != "" {
		cfg.CloudLogging.Token = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CLOUD_LOGGING_FILTER"); v != "" {
		cfg.CloudLogging.Filter = v
	}
	envDuration("MIRADOR_LOGWATCH_POLL_INTERVAL", &cfg.CloudLogging.PollInterval)

	if v := os.Getenv("MIRADOR_LOGWATCH_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	envInt("MIRADOR_LOGWATCH_REDIS_DB", &cfg.Storage.Redis.DB)
	envDuration("MIRADOR_LOGWATCH_REPORT_TTL", &cfg.Storage.ReportTTL)

	if v := os.Getenv("MIRADOR_LOGWATCH_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
