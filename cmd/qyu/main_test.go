package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qyu/internal/storage"
	logx "qyu/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("feeder:\n  enabled: true\n  producers:\n    - name: a\n      schedule: 5m\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(bad, []byte("scheduler:\n  stats_interval: fast\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := execute(t, "validate", "--config", good)
	if err != nil || !strings.Contains(out, "ok (1 producers)") {
		t.Fatalf("validate good = %q, %v", out, err)
	}
	if _, err := execute(t, "validate", "-c", bad); err == nil {
		t.Fatalf("validate accepted an invalid stats_interval")
	}
}

func TestHistoryCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journal := filepath.Join(dir, "journal.db")
	cfg := filepath.Join(dir, "qyu.yaml")
	if err := os.WriteFile(cfg, []byte("storage:\n  driver: sqlite\n  path: "+journal+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: journal, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	_ = st.AppendOutcome(ctx, storage.Outcome{At: at, JobID: "job-ok", Priority: 2, OK: true, TookMS: 12})
	_ = st.AppendOutcome(ctx, storage.Outcome{At: at.Add(time.Second), JobID: "job-bad", Priority: 5, Error: "boom"})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := execute(t, "history", "--config", cfg, "-n", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "succeeded=1 failed=1") {
		t.Fatalf("totals missing from %q", out)
	}
	if !strings.Contains(out, "job-bad") || strings.Contains(out, "job-ok") {
		t.Fatalf("limit not honoured: %q", out)
	}
	if !strings.Contains(out, "failed: boom") {
		t.Fatalf("failure not rendered: %q", out)
	}

	out, err = execute(t, "history", "--config", cfg, "--json")
	if err != nil || !strings.Contains(out, `"job_id": "job-ok"`) {
		t.Fatalf("history --json = %q, %v", out, err)
	}
}

func TestHistoryWithoutStorage(t *testing.T) {
	t.Parallel()

	cfg := filepath.Join(t.TempDir(), "qyu.yaml")
	if err := os.WriteFile(cfg, []byte("scheduler:\n  max_concurrency: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "history", "-c", cfg); err == nil || !strings.Contains(err.Error(), "storage is not configured") {
		t.Fatalf("history without storage = %v", err)
	}
}
