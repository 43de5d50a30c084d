package api

import (
	"context"
	"image"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/semaphore"

	"github.com/sports-movement/analysis-server/internal/config"
	"github.com/sports-movement/analysis-server/internal/logger"
	"github.com/sports-movement/analysis-server/internal/metrics"
	"github.com/sports-movement/analysis-server/internal/store"
	"github.com/sports-movement/analysis-server/pkg/types"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "Sports Movement Analysis API"

// Analyzer turns a stored video into an analysis document and an optional
// preview image.
type Analyzer interface {
	ModelAvailable() bool
	Analyze(ctx context.Context, videoPath, originalFilename string) (*types.AnalysisResult, image.Image, error)
}

// Deps are the components the HTTP surface is wired to
type Deps struct {
	Analyzer Analyzer
	Store    *store.Store
	Metrics  *metrics.Metrics

	// Backend reports the inference backend for /api/status. Optional.
	Backend func() any
}

// Server serves the analysis API.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	monitor *Monitor
	sem     *semaphore.Weighted
	log     *logger.ModuleLogger
}

// NewServer returns a configured API server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = config.DefaultConfig().Server.MaxConcurrent
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = config.DefaultConfig().Server.MaxUploadBytes
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	return &Server{
		cfg:     cfg,
		deps:    deps,
		monitor: NewMonitor(historySize),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:     logger.For("API"),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.deps.Metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.With(s.rateLimit()).Post("/analyze-video", s.handleAnalyzeVideo)
		r.Get("/results", s.handleListResults)
		r.Get("/results/{name}", s.handleGetResult)
		r.Get("/status", s.handleStatus)
	})

	return r
}

func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if s.cfg.RateLimitRequests <= 0 || s.cfg.RateLimitWindow <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.cfg.RateLimitRequests,
		s.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.deps.Metrics.RecordFailure(metrics.ReasonRateLimited)
			writeError(w, http.StatusTooManyRequests, "Too many requests")
		}),
	)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			return
		}
		s.log.Debug("%s %s -> %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
