package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMetaTTL         = 30 * time.Second
	defaultStatusTTL       = 10 * time.Minute
	defaultStatusEmptyTTL  = 30 * time.Second
	defaultJobTopic        = "judge.jobs"
	defaultProgressTopic   = "contest.progress"
	defaultConsumerGroup   = "judge-workers"
	defaultMaxOutputBytes  = 1024 * 10000
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// SubmitRateLimit guards POST /api/v1/judge/submissions.
	SubmitRateLimit commonmw.RateLimitPolicy `yaml:"submitRateLimit"`
}

// DatabaseConfig selects and configures the SQL store.
type DatabaseConfig struct {
	Driver string          `yaml:"driver"` // mysql or sqlite
	MySQL  db.MySQLConfig  `yaml:"mysql"`
	SQLite db.SQLiteConfig `yaml:"sqlite"`
}

// QueueConfig selects the job queue driver and its topics.
type QueueConfig struct {
	Driver        string              `yaml:"driver"` // redis or kafka
	JobTopic      string              `yaml:"jobTopic"`
	ProgressTopic string              `yaml:"progressTopic"`
	ConsumerGroup string              `yaml:"consumerGroup"`
	Concurrency   int                 `yaml:"concurrency"`
	MessageTTL    time.Duration       `yaml:"messageTTL"`
	Redis         mq.RedisQueueConfig `yaml:"redis"`
	DeferBase     time.Duration       `yaml:"deferBaseDelay"`
	DeferMax      time.Duration       `yaml:"deferMaxDelay"`
	DeferLimit    int                 `yaml:"deferLimit"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks string        `yaml:"requiredAcks"`
}

// JudgeConfig holds sandbox and workspace settings.
type JudgeConfig struct {
	WorkRoot         string        `yaml:"workRoot"`
	Slots            int           `yaml:"slots"`
	Grace            time.Duration `yaml:"grace"`
	StderrMaxBytes   int           `yaml:"stderrMaxBytes"`
	MaxOutputBytes   int64         `yaml:"maxOutputBytes"`
	DefaultTimeLimit time.Duration `yaml:"defaultTimeLimit"`
	MaxSourceBytes   int           `yaml:"maxSourceBytes"`
	LockTTL          time.Duration `yaml:"lockTTL"`
	StoreTimeout     time.Duration `yaml:"storeTimeout"`
	LanguagesFile    string        `yaml:"languagesFile"`
	TraceSandbox     bool          `yaml:"traceSandbox"`
}

// RetryConfig holds retry coordinator settings.
type RetryConfig struct {
	MaxAttempts      int           `yaml:"maxAttempts"`
	BaseDelay        time.Duration `yaml:"baseDelay"`
	TimeLimitIsFinal bool          `yaml:"timeLimitIsFinal"`
}

// StatusConfig holds verdict read cache settings.
type StatusConfig struct {
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	CacheEmptyTTL time.Duration `yaml:"cacheEmptyTTL"`
}

// ProblemConfig holds problem metadata settings.
type ProblemConfig struct {
	MetaTTL         time.Duration `yaml:"metaTTL"`
	FixtureMaxBytes int64         `yaml:"fixtureMaxBytes"`
	FixtureTimeout  time.Duration `yaml:"fixtureTimeout"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database DatabaseConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Queue    QueueConfig         `yaml:"queue"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Judge    JudgeConfig         `yaml:"judge"`
	Retry    RetryConfig         `yaml:"retry"`
	Status   StatusConfig        `yaml:"status"`
	Problem  ProblemConfig       `yaml:"problem"`
	// Languages overrides the built-in profiles when set.
	Languages []profile.LanguageSpec `yaml:"languages"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "", "sqlite":
		cfg.Database.Driver = "sqlite"
		if cfg.Database.SQLite.Path == "" {
			cfg.Database.SQLite.Path = "codejudge.db"
		}
	case "mysql":
		if cfg.Database.MySQL.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)

	cfg.Queue.Driver = strings.ToLower(cfg.Queue.Driver)
	switch cfg.Queue.Driver {
	case "", "redis":
		cfg.Queue.Driver = "redis"
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are required")
		}
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
	if cfg.Queue.JobTopic == "" {
		cfg.Queue.JobTopic = defaultJobTopic
	}
	if cfg.Queue.ProgressTopic == "" {
		cfg.Queue.ProgressTopic = defaultProgressTopic
	}
	if cfg.Queue.ConsumerGroup == "" {
		cfg.Queue.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 1
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Judge.Slots <= 0 {
		cfg.Judge.Slots = cfg.Queue.Concurrency
	}
	if cfg.Judge.MaxOutputBytes <= 0 {
		cfg.Judge.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Problem.MetaTTL == 0 {
		cfg.Problem.MetaTTL = defaultMetaTTL
	}
	if cfg.Status.CacheTTL == 0 {
		cfg.Status.CacheTTL = defaultStatusTTL
	}
	if cfg.Status.CacheEmptyTTL == 0 {
		cfg.Status.CacheEmptyTTL = defaultStatusEmptyTTL
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: parseRequiredAcks(k.RequiredAcks),
	}
}

func parseRequiredAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(raw) {
	case "none":
		return kafka.RequireNone
	case "all":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}
