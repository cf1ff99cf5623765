package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "")
	t.Setenv("HTTP_PORT", "")
	t.Setenv("CONSUMER_GROUP", "")
	t.Setenv("STUCK_THRESHOLD_SECONDS", "")

	cfg := Load()
	if cfg.ServiceName != "saga-orchestrator" {
		t.Fatalf("expected default service name, got %s", cfg.ServiceName)
	}
	if cfg.HTTPPort != 8090 {
		t.Fatalf("expected default HTTP port 8090, got %d", cfg.HTTPPort)
	}
	if cfg.ConsumerGroup != "orchestrator-group" {
		t.Fatalf("expected default consumer group, got %s", cfg.ConsumerGroup)
	}
	if cfg.StuckThreshold != 5*time.Minute {
		t.Fatalf("expected default stuck threshold 5m, got %s", cfg.StuckThreshold)
	}
	if cfg.TracingEnabled {
		t.Fatal("expected tracing disabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("CONSUMER_NAME", "orchestrator-7")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("STUCK_THRESHOLD_SECONDS", "60")

	cfg := Load()
	if cfg.HTTPPort != 9000 {
		t.Fatalf("expected HTTP port 9000, got %d", cfg.HTTPPort)
	}
	if cfg.DBHost != "db.internal" {
		t.Fatalf("expected DB host from env, got %s", cfg.DBHost)
	}
	if cfg.ConsumerName != "orchestrator-7" {
		t.Fatalf("expected consumer name from env, got %s", cfg.ConsumerName)
	}
	if !cfg.TracingEnabled {
		t.Fatal("expected tracing enabled from env")
	}
	if cfg.StuckThreshold != time.Minute {
		t.Fatalf("expected stuck threshold 1m, got %s", cfg.StuckThreshold)
	}
}

func TestConfigHelpers(t *testing.T) {
	t.Setenv("TEST_ENV", "value")
	if getEnv("TEST_ENV", "default") != "value" {
		t.Fatal("expected getEnv to return value")
	}
	if getEnv("MISSING_ENV", "default") != "default" {
		t.Fatal("expected getEnv default")
	}

	t.Setenv("INT_ENV", "abc")
	if getEnvInt("INT_ENV", 5) != 5 {
		t.Fatal("expected getEnvInt default on invalid")
	}
	t.Setenv("INT_ENV", "6")
	if getEnvInt("INT_ENV", 5) != 6 {
		t.Fatal("expected getEnvInt parsed value")
	}

	t.Setenv("BOOL_ENV", "TRUE")
	if !getEnvBool("BOOL_ENV", false) {
		t.Fatal("expected getEnvBool true")
	}
	t.Setenv("BOOL_ENV", "invalid")
	if !getEnvBool("BOOL_ENV", true) {
		t.Fatal("expected getEnvBool default")
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "user",
		DBPassword: "pass",
		DBName:     "db",
	}
	expected := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if cfg.DSN() != expected {
		t.Fatalf("expected DSN %s, got %s", expected, cfg.DSN())
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	bad := Load()
	bad.HTTPPort = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid port to fail")
	}

	bad = Load()
	bad.WorkerID = 4096
	if err := bad.Validate(); err == nil {
		t.Fatal("expected out-of-range worker id to fail")
	}

	bad = Load()
	bad.RedisAddr = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected missing redis addr to fail")
	}
}
