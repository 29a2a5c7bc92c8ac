package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qyu/internal/storage"
	logx "qyu/pkg/logx"
)

const appConfig = `
scheduler:
  max_concurrency: %d
  stats_interval: 100ms
  shutdown_timeout: 2s
logging:
  level: error
storage:
  driver: file
  path: %s
feeder:
  enabled: true
  timezone: UTC
  producers:
    - name: tick
      schedule: "* * * * * *"
      batch: 2
      fail_every: 3
admin:
  enabled: true
  addr: 127.0.0.1:0
`

func writeConfig(t *testing.T, path string, maxConc int, journal string) {
	t.Helper()
	body := fmt.Sprintf(appConfig, maxConc, journal)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, what string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAppRunsProducersAndReloads(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "qyu.yaml")
	journal := filepath.Join(dir, "journal")
	writeConfig(t, cfgPath, 2, journal)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	}()

	waitFor(t, "journaled outcomes", 5*time.Second, func() bool {
		tot, err := a.store.Totals(context.Background())
		return err == nil && tot.Succeeded+tot.Failed > 0
	})
	if got := a.Scheduler().Snapshot().MaxConcurrency; got != 2 {
		t.Fatalf("max concurrency = %d, want 2", got)
	}

	writeConfig(t, cfgPath, 4, journal)
	waitFor(t, "reloaded max_concurrency", 5*time.Second, func() bool {
		return a.Scheduler().Snapshot().MaxConcurrency == 4
	})

	waitFor(t, "admin listener", 3*time.Second, func() bool { return a.admin.Addr() != "" })
	resp, err := http.Get("http://" + a.admin.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var remote Status
	err = json.NewDecoder(resp.Body).Decode(&remote)
	resp.Body.Close()
	if err != nil || remote.Scheduler.MaxConcurrency != 4 {
		t.Fatalf("/status = %+v, %v", remote.Scheduler, err)
	}

	st := a.Status()
	if len(st.Producers) != 1 || st.Producers[0].Name != "tick" || st.Producers[0].Fired == 0 {
		t.Fatalf("producers = %+v", st.Producers)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if !a.Scheduler().Snapshot().Closed {
		t.Fatalf("scheduler still open after Stop")
	}

	// The journal outlives the process.
	reopened, err := storage.Open(storage.Config{Driver: "file", Path: journal}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()
	tot, err := reopened.Totals(context.Background())
	if err != nil || tot.Succeeded == 0 {
		t.Fatalf("journal totals = %+v, %v", tot, err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"concurrency", "scheduler:\n  max_concurrency: -1\n", "max_concurrency"},
		{"storage driver", "storage:\n  driver: redis\n  path: x\n", "storage"},
		{"producer schedule", "feeder:\n  enabled: true\n  producers:\n    - name: a\n      schedule: soon\n", "schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "qyu.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := New(path)
			if err == nil {
				t.Fatalf("New accepted %q", tc.body)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestNewMissingConfig(t *testing.T) {
	t.Parallel()

	_, err := New(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "qyu.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  auto_start: false\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Scheduler().Close(context.Background())
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done should be closed before Start")
	}
}
