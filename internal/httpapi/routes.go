package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"naualerts/internal/eventbus"
	rtsup "naualerts/internal/runtime/supervisor"
	"naualerts/internal/source"
	logx "naualerts/pkg/logx"
)

// HealthSource is what /healthcheck reports on.
type HealthSource interface {
	Sources() []eventbus.SourceHealth
	Healthy(maxFailures int) bool
	RemovedChats() int
}

type healthReport struct {
	Status       string                    `json:"status"`
	Time         time.Time                 `json:"time"`
	Sources      []eventbus.SourceHealth   `json:"sources"`
	RemovedChats int                       `json:"removed_chats"`
	Supervisors  map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

// Handler builds the router from the current receivers and config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	receivers := append([]Receiver(nil), s.receivers...)
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Get("/healthcheck", s.handleHealth)
	for _, rc := range receivers {
		r.Post(rc.Path(), s.pushHandler(rc))
	}
	if cfg.PprofEnabled && cfg.PprofToken != "" {
		r.Mount(strings.TrimSuffix(cfg.PprofPrefix, "/"), pprofRouter(cfg.PprofToken))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	maxFailures := s.cfg.MaxFailures
	sups := make(map[string]func() rtsup.Snapshot, len(s.sups))
	for k, v := range s.sups {
		sups[k] = v
	}
	s.mu.Unlock()

	rep := healthReport{Status: "ok", Time: time.Now().UTC()}
	healthy := true
	if s.health != nil {
		rep.Sources = s.health.Sources()
		rep.RemovedChats = s.health.RemovedChats()
		healthy = s.health.Healthy(maxFailures)
	}
	if len(sups) > 0 {
		rep.Supervisors = make(map[string]rtsup.Snapshot, len(sups))
		names := make([]string, 0, len(sups))
		for name := range sups {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			snap := sups[name]()
			if snap.FirstError != "" {
				healthy = false
			}
			rep.Supervisors[name] = snap
		}
	}
	code := http.StatusOK
	if !healthy {
		rep.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) pushHandler(rc Receiver) http.HandlerFunc {
	log := s.log.With(logx.String("source", rc.Name()))
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		n, err := rc.Push(body)
		if err != nil {
			log.Warn("rejected push", logx.Err(err))
			code := http.StatusInternalServerError
			if errors.Is(err, source.ErrBadPush) {
				code = http.StatusBadRequest
			}
			http.Error(w, "bad alert payload", code)
			return
		}
		log.Debug("push buffered", logx.Int("alerts", n))

		s.mu.Lock()
		onPush := s.onPush
		s.mu.Unlock()
		if n > 0 && onPush != nil {
			onPush(rc.Name())
		}
		writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
	}
}

func pprofRouter(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(tokenAuth(token))
	r.Get("/", hpprof.Index)
	r.Get("/cmdline", hpprof.Cmdline)
	r.Get("/profile", hpprof.Profile)
	r.Get("/symbol", hpprof.Symbol)
	r.Post("/symbol", hpprof.Symbol)
	r.Get("/trace", hpprof.Trace)
	r.Get("/{profile}", func(w http.ResponseWriter, req *http.Request) {
		hpprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
	})
	return r
}

// tokenAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func tokenAuth(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
