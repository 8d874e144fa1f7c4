// Package server exposes the analysis pipeline over HTTP: an SSE progress stream per upload,
// PDF report rendering, run history and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/andresmejia3/truthlens/internal/metrics"
	"github.com/andresmejia3/truthlens/internal/pipeline"
	"github.com/andresmejia3/truthlens/internal/report"
	"github.com/andresmejia3/truthlens/internal/store"
	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	shutdownTimeout          = 10 * time.Second
	historyTimeout           = 5 * time.Second
	maxReportBodyBytes       = 64 << 20
)

// Analyzer starts a run over a staged upload. *pipeline.Pipeline implements it.
type Analyzer interface {
	Start(ctx context.Context, res *pipeline.RunResource) *pipeline.Stream
}

// History persists finished runs. *store.Store implements it.
type History interface {
	SaveRun(ctx context.Context, id, sha256 string, r *types.RunResult) error
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

type Config struct {
	UploadDir      string
	MaxUploadBytes int64
	CORSOrigins    []string
}

func DefaultCORSOrigins() []string {
	return []string{"http://localhost:3000", "http://localhost:3002", "https://*.vercel.app"}
}

type Server struct {
	cfg      Config
	analyzer Analyzer
	renderer report.Renderer
	history  History
	registry *prometheus.Registry
	logger   *slog.Logger
	router   *mux.Router
}

// New wires the routes. history may be nil, in which case the /runs endpoints answer 503.
func New(cfg Config, analyzer Analyzer, renderer report.Renderer, history History, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	s := &Server{
		cfg:      cfg,
		analyzer: analyzer,
		renderer: renderer,
		history:  history,
		registry: registry,
		logger:   logger.With("component", "server"),
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument)

	r.HandleFunc("/analyze/", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/generate-report/", s.handleReport).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(s.registry)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the full handler chain, CORS included.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := newOriginMatcher(s.cfg.CORSOrigins)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed.match(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "Content-Disposition")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// originMatcher holds exact origins plus subdomain patterns such as "https://*.vercel.app".
// A bare "*" allows every origin.
type originMatcher struct {
	any      bool
	exact    map[string]bool
	patterns []string
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "*":
			m.any = true
		case strings.Contains(o, "*"):
			m.patterns = append(m.patterns, o)
		case o != "":
			m.exact[o] = true
		}
	}
	return m
}

func (m originMatcher) match(origin string) bool {
	if m.any || m.exact[origin] {
		return true
	}
	for _, p := range m.patterns {
		// '*' does not match '/', so it only spans host labels.
		if ok, _ := path.Match(p, origin); ok {
			return true
		}
	}
	return false
}
