package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "qyu/pkg/logx"
)

func get(t *testing.T, url string, header map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	s := New(Config{}, Probes{
		Healthy: healthy.Load,
		Status:  func() any { return map[string]int{"queued": 3} },
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Pprof: true}))
	defer srv.Close()

	if code, body := get(t, srv.URL+"/healthz", nil); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	code, body := get(t, srv.URL+"/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var st map[string]int
	if err := json.Unmarshal([]byte(body), &st); err != nil || st["queued"] != 3 {
		t.Fatalf("status body = %q, %v", body, err)
	}
	if code, _ := get(t, srv.URL+"/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}

	healthy.Store(false)
	if code, _ := get(t, srv.URL+"/healthz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz = %d", code)
	}
}

func TestHandlerWithoutPprof(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(Config{}, Probes{}, logx.Nop()).Handler(Config{}))
	defer srv.Close()
	if code, _ := get(t, srv.URL+"/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", code)
	}
	if code, body := get(t, srv.URL+"/status", nil); code != http.StatusOK || body != "{}\n" {
		t.Fatalf("status without probe = %d %q", code, body)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(Config{}, Probes{}, logx.Nop()).Handler(Config{Token: "s3cret"}))
	defer srv.Close()

	cases := []struct {
		name   string
		url    string
		header map[string]string
		want   int
	}{
		{"none", "/healthz", nil, http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bad query", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"basic", "/healthz", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, _ := get(t, srv.URL+tc.url, tc.header); code != tc.want {
				t.Fatalf("code = %d, want %d", code, tc.want)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Probes{}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Start = %v, want ErrInsecureBind", err)
	}
}

func TestStartServeReconfigureStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Probes{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitAddr := func() string {
		deadline := time.Now().Add(3 * time.Second)
		for s.Addr() == "" {
			if time.Now().After(deadline) {
				t.Fatalf("server never bound")
			}
			time.Sleep(20 * time.Millisecond)
		}
		return s.Addr()
	}

	addr := waitAddr()
	if code, _ := get(t, "http://"+addr+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	addr = waitAddr()
	if code, _ := get(t, "http://"+addr+"/healthz", nil); code != http.StatusUnauthorized {
		t.Fatalf("healthz after token change = %d", code)
	}

	if err := s.Reconfigure(ctx, Config{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("still bound after disable: %s", s.Addr())
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop on stopped service: %v", err)
	}
}
