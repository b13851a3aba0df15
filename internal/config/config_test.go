package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ImportCheckpointRows != 100 {
		t.Fatalf("expected checkpoint every 100 rows, got %d", cfg.ImportCheckpointRows)
	}
	if cfg.ExportTTL != 7*24*time.Hour {
		t.Fatalf("expected 7 day export ttl, got %s", cfg.ExportTTL)
	}
	if cfg.ArtifactBackend != "local" {
		t.Fatalf("unexpected backend %q", cfg.ArtifactBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("EXPORT_TTL", "1h")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")
	t.Setenv("MAX_ROW_ERRORS", "not-a-number")

	cfg := Load()
	if cfg.WorkerConcurrency != 9 {
		t.Fatalf("expected 9 workers, got %d", cfg.WorkerConcurrency)
	}
	if cfg.ExportTTL != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", cfg.ExportTTL)
	}
	if !cfg.ArtifactS3PathStyle {
		t.Fatal("expected path style enabled")
	}
	if cfg.MaxRowErrors != 1000 {
		t.Fatalf("invalid value should fall back to default, got %d", cfg.MaxRowErrors)
	}
}
