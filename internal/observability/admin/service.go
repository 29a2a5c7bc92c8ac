// Package admin serves the operator HTTP surface: liveness, a JSON status
// document and the net/http/pprof handlers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qyu/internal/runtime/supervisor"
	logx "qyu/pkg/logx"
)

const (
	DefaultAddr   = "127.0.0.1:6060"
	pprofPrefix   = "/debug/pprof/"
	serveRestarts = 500 * time.Millisecond
)

var ErrInsecureBind = errors.New("admin: non-loopback addr requires token or allow_insecure")

// Config controls the optional admin HTTP server.
//
// A non-loopback Addr needs a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Probes supplies what the status endpoints report.
type Probes struct {
	Healthy func() bool
	Status  func() any
}

type Service struct {
	log    logx.Logger
	probes Probes

	mu     sync.Mutex
	cfg    Config
	parent context.Context
	sup    *supervisor.Supervisor

	// bound is written by the serve goroutine, which must not take mu:
	// Stop holds mu while waiting for it.
	bound atomic.Value // string
}

func New(cfg Config, probes Probes, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, probes: probes, log: log.With(logx.String("comp", "admin"))}
}

// Addr is the address the server is listening on, or "" when not serving.
func (s *Service) Addr() string {
	a, _ := s.bound.Load().(string)
	return a
}

// Start launches the server under its own supervisor. Serve failures are
// retried with backoff and never cancel the parent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	applyRuntimeRates(cfg)
	if s.sup != nil || !cfg.Enabled {
		return nil
	}
	addr := addrOrDefault(cfg.Addr)
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin refused to start", logx.String("addr", addr))
		return ErrInsecureBind
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("admin running without token on non-loopback addr", logx.String("addr", addr))
	}

	parent := s.parent
	if parent == nil {
		parent = context.Background()
	}
	s.sup = supervisor.New(parent, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("admin.serve", func(c context.Context) error { return s.serveOnce(c, cfg, addr) },
		supervisor.WithRestartBackoff(serveRestarts, 10*time.Second))
	return nil
}

// Stop shuts the server down and waits for it within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) error {
	sup := s.sup
	if sup == nil {
		return nil
	}
	s.sup = nil
	sup.Cancel()
	err := sup.Wait(ctx)
	s.log.Info("admin stopped")
	return err
}

// Reconfigure applies cfg during a hot reload, restarting the listener
// only when a listener setting changed. ctx bounds the stop of the old
// listener; the new one lives under the context given to Start.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil

	switch {
	case !cfg.Enabled:
		applyRuntimeRates(cfg)
		return s.stopLocked(ctx)
	case !running:
		return s.startLocked()
	case needsRestart(prev, cfg):
		if err := s.stopLocked(ctx); err != nil {
			return err
		}
		return s.startLocked()
	default:
		applyRuntimeRates(cfg)
		return nil
	}
}

func needsRestart(a, b Config) bool {
	return addrOrDefault(a.Addr) != addrOrDefault(b.Addr) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func (s *Service) serveOnce(ctx context.Context, cfg Config, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.bound.Store(ln.Addr().String())
	s.log.Info("admin listening", logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))

	err = srv.Serve(ln)

	s.bound.Store("")
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		if s.probes.Healthy != nil && !s.probes.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, _ *http.Request) {
		var body any = struct{}{}
		if s.probes.Status != nil {
			body = s.probes.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			s.log.Warn("status encode failed", logx.Err(err))
		}
	}))

	if cfg.Pprof {
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func addrOrDefault(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
