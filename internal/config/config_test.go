package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ServicePort != "8080" {
		t.Errorf("ServicePort = %q, want 8080", cfg.ServicePort)
	}
	if cfg.ImportMaxAttempts != 10 {
		t.Errorf("ImportMaxAttempts = %d, want 10", cfg.ImportMaxAttempts)
	}
	if cfg.GetImportRetryDelay() != 5*time.Second {
		t.Errorf("GetImportRetryDelay() = %v, want 5s", cfg.GetImportRetryDelay())
	}
	if cfg.StrictUploads {
		t.Error("StrictUploads defaults to true, want false")
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL defaults to false, want true")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9090")
	t.Setenv("STRICT_UPLOADS", "true")
	t.Setenv("IMPORT_RETRY_DELAY_SECONDS", "1")
	t.Setenv("MYSQL_HOST", "db.internal")
	t.Setenv("MYSQL_PORT", "3306")
	t.Setenv("MYSQL_USER", "root")
	t.Setenv("MYSQL_PASSWORD", "")
	t.Setenv("MYSQL_DATABASE", "ahi_uploader")
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ServicePort != "9090" {
		t.Errorf("ServicePort = %q, want 9090", cfg.ServicePort)
	}
	if !cfg.StrictUploads {
		t.Error("StrictUploads not overridden")
	}
	if cfg.GetImportRetryDelay() != time.Second {
		t.Errorf("GetImportRetryDelay() = %v, want 1s", cfg.GetImportRetryDelay())
	}
	if got := cfg.GetDSN(); got != "root:@tcp(db.internal:3306)/ahi_uploader?charset=utf8mb4&parseTime=True&loc=Local" {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := cfg.GetRedisAddr(); got != "localhost:6380" {
		t.Errorf("GetRedisAddr() = %q, want localhost:6380", got)
	}
}
