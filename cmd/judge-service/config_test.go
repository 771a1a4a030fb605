package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, "redis:\n  addr: 127.0.0.1:6379\nqueue:\n  concurrency: 3\n"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.SQLite.Path == "" {
		t.Fatalf("expected sqlite default, got %+v", cfg.Database)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.JobTopic != defaultJobTopic || cfg.Queue.ProgressTopic != defaultProgressTopic {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Judge.Slots != 3 {
		t.Fatalf("expected slots to follow concurrency, got %d", cfg.Judge.Slots)
	}
	if cfg.Judge.MaxOutputBytes != defaultMaxOutputBytes {
		t.Fatalf("expected default output cap, got %d", cfg.Judge.MaxOutputBytes)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Problem.MetaTTL != defaultMetaTTL || cfg.Status.CacheTTL != defaultStatusTTL {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Redis.DialTimeout == 0 {
		t.Fatalf("expected redis defaults applied, got %+v", cfg.Redis)
	}
}

func TestLoadAppConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing redis", "database:\n  driver: sqlite\n"},
		{"mysql without dsn", "redis:\n  addr: r:6379\ndatabase:\n  driver: mysql\n"},
		{"unknown database", "redis:\n  addr: r:6379\ndatabase:\n  driver: oracle\n"},
		{"kafka without brokers", "redis:\n  addr: r:6379\nqueue:\n  driver: kafka\n"},
		{"unknown queue", "redis:\n  addr: r:6379\nqueue:\n  driver: nats\n"},
	}
	for _, tt := range tests {
		if _, err := loadAppConfig(writeConfig(t, tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestLoadAppConfigDurationsAndKafka(t *testing.T) {
	body := `redis:
  addr: r:6379
queue:
  driver: KAFKA
kafka:
  brokers: ["k1:9092"]
  requiredAcks: all
retry:
  maxAttempts: 5
  baseDelay: 2s
  timeLimitIsFinal: true
judge:
  grace: 1500ms
  maxOutputBytes: 2048
`
	cfg, err := loadAppConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Queue.Driver != "kafka" || cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 2*time.Second || !cfg.Retry.TimeLimitIsFinal {
		t.Fatalf("unexpected config %+v %+v", cfg.Queue, cfg.Retry)
	}
	if cfg.Judge.Grace != 1500*time.Millisecond || cfg.Judge.MaxOutputBytes != 2048 {
		t.Fatalf("unexpected judge config %+v", cfg.Judge)
	}
	mqCfg := cfg.Kafka.toMQConfig()
	if mqCfg.RequiredAcks != kafka.RequireAll || len(mqCfg.Brokers) != 1 {
		t.Fatalf("unexpected kafka config %+v", mqCfg)
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := loadAppConfig(filepath.Join("..", "..", "configs", "judge-service.yaml"))
	if err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
	if cfg.Judge.LanguagesFile == "" || cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected sample config %+v", cfg.Judge)
	}
	if !cfg.Server.SubmitRateLimit.Enabled() || cfg.Server.SubmitRateLimit.Window != time.Minute {
		t.Fatalf("unexpected submit rate limit %+v", cfg.Server.SubmitRateLimit)
	}
}
