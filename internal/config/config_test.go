package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Bridge.ProtocolVersion != 1 {
		t.Errorf("ProtocolVersion = %d, want 1", cfg.Bridge.ProtocolVersion)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg := Default()
	cfg.Queue.WorkerSlots = 9
	cfg.Logging.DebugMode = true
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := Load(home)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Queue.WorkerSlots != 9 || !loaded.Logging.DebugMode {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestBackoffCurve(t *testing.T) {
	t.Parallel()

	q := QueueConfig{RetryBackoffBaseMs: 100, RetryBackoffMaxMs: 1000}
	if got := q.Backoff(0); got != 100*time.Millisecond {
		t.Errorf("Backoff(0) = %v", got)
	}
	if got := q.Backoff(2); got != 400*time.Millisecond {
		t.Errorf("Backoff(2) = %v", got)
	}
	if got := q.Backoff(10); got != time.Second {
		t.Errorf("Backoff(10) = %v, want cap 1s", got)
	}
}

func TestJobLogPath(t *testing.T) {
	t.Parallel()

	p := JobLogPath("/x", "job-1")
	if p != filepath.Join("/x", "logs", "jobs", "job-1.log") {
		t.Errorf("JobLogPath = %s", p)
	}
}
