// Package httpapi serves the relay's HTTP surface: the health check, webhook
// receivers for push sources and an optional token-protected pprof.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "naualerts/internal/runtime/supervisor"
	logx "naualerts/pkg/logx"
)

const (
	DefaultAddr         = "127.0.0.1:8080"
	DefaultMaxFailures  = 5
	defaultPprofPrefix  = "/debug/pprof/"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	maxPushBody         = 1 << 20
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxFailures is how many failed cycles in a row a source may have
	// before /healthcheck reports 503.
	MaxFailures int

	PprofEnabled bool
	PprofPrefix  string
	PprofToken   string
}

// Receiver accepts pushed alert bodies on Path.
type Receiver interface {
	Name() string
	Path() string
	Push(body []byte) (int, error)
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	health    HealthSource
	receivers []Receiver
	sups      map[string]func() rtsup.Snapshot
	onPush    func(source string)

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, health HealthSource, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:    normalize(cfg),
		health: health,
		sups:   map[string]func() rtsup.Snapshot{},
		log:    log.With(logx.String("comp", "http")),
	}
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	cfg.PprofPrefix = normalizePrefix(cfg.PprofPrefix)
	return cfg
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultPprofPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// AddReceiver mounts r. Call before Start.
func (s *Server) AddReceiver(r Receiver) {
	s.mu.Lock()
	s.receivers = append(s.receivers, r)
	s.mu.Unlock()
}

// AddSupervisor includes a supervisor snapshot in /healthcheck.
func (s *Server) AddSupervisor(name string, snap func() rtsup.Snapshot) {
	s.mu.Lock()
	s.sups[name] = snap
	s.mu.Unlock()
}

// OnPush is called with the source name after a push was buffered.
func (s *Server) OnPush(fn func(source string)) {
	s.mu.Lock()
	s.onPush = fn
	s.mu.Unlock()
}

// Addr is the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start serves in the background under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       time.Minute,
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.PprofEnabled))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
