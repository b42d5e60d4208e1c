package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var keys = []string{
	"DB_TYPE", "DATABASE_URL", "CACHE_MAX_AGE", "CACHE_CLEANUP_INTERVAL", "CACHE_DURABLE_CAP",
	"CACHE_MEMORY_CAP", "CACHE_RESTORE_LIMIT", "CACHE_RESTORE_BATCH", "MATCH_FLOOR",
	"MATCH_RULES_FILE", "LOG_LEVEL", "GOOGLE_API_KEY", "GEMINI_MODEL",
}

// isolate clears every variable Load reads and runs from an empty directory
// so no .env file is picked up.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBType != "sqlite" || cfg.DatabaseURL != "./snaplocator.db" {
		t.Errorf("Unexpected database defaults: %s %s", cfg.DBType, cfg.DatabaseURL)
	}
	if cfg.Cache.MaxAge != 30*24*time.Hour || cfg.Cache.DurableCap != 500 || cfg.Cache.MemoryCap != 50 {
		t.Errorf("Unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.RestoreLimit != 20 || cfg.Cache.RestoreBatch != 5 || cfg.Cache.CleanupInterval != time.Hour {
		t.Errorf("Unexpected restore defaults: %+v", cfg.Cache)
	}
	if cfg.MatchFloor != 0.6 || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("Unexpected defaults: floor %v level %v", cfg.MatchFloor, cfg.LogLevel)
	}
	if err := cfg.RequireAPIKey(); err == nil {
		t.Error("Expected missing API key to be reported")
	}
}

func TestLoad_Overrides(t *testing.T) {
	isolate(t)
	t.Setenv("DB_TYPE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/snap")
	t.Setenv("CACHE_MAX_AGE", "48h")
	t.Setenv("CACHE_DURABLE_CAP", "100")
	t.Setenv("MATCH_FLOOR", "0.75")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GOOGLE_API_KEY", "key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBType != "postgres" || cfg.Cache.MaxAge != 48*time.Hour || cfg.Cache.DurableCap != 100 {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.MatchFloor != 0.75 || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("Unexpected floor/level: %v %v", cfg.MatchFloor, cfg.LogLevel)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"db type", map[string]string{"DB_TYPE": "mysql"}, "DB_TYPE"},
		{"postgres without url", map[string]string{"DB_TYPE": "postgres"}, "DATABASE_URL"},
		{"duration", map[string]string{"CACHE_MAX_AGE": "soon"}, "CACHE_MAX_AGE"},
		{"cap", map[string]string{"CACHE_MEMORY_CAP": "-1"}, "CACHE_MEMORY_CAP"},
		{"floor", map[string]string{"MATCH_FLOOR": "1.5"}, "MATCH_FLOOR"},
		{"level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	// Variables present in the environment, even empty, shadow the file.
	os.Unsetenv("CACHE_MEMORY_CAP")
	t.Setenv("GEMINI_MODEL", "from-env")

	content := "CACHE_MEMORY_CAP=7\nGEMINI_MODEL=from-file\n"
	if err := os.WriteFile(filepath.Join(".", ".env"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.MemoryCap != 7 {
		t.Errorf("Expected value from .env, got %d", cfg.Cache.MemoryCap)
	}
	if cfg.Model != "from-env" {
		t.Errorf("Expected environment to win over .env, got %q", cfg.Model)
	}
}
