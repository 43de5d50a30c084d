package main

import (
	"context"
	"errors"
	"flag"
	"image"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sports-movement/analysis-server/internal/analysis"
	"github.com/sports-movement/analysis-server/internal/api"
	"github.com/sports-movement/analysis-server/internal/config"
	"github.com/sports-movement/analysis-server/internal/logger"
	"github.com/sports-movement/analysis-server/internal/metrics"
	"github.com/sports-movement/analysis-server/internal/pose"
	"github.com/sports-movement/analysis-server/internal/store"
	"github.com/sports-movement/analysis-server/pkg/types"
)

var (
	// Command-line flags. Explicitly set flags override the config file.
	configPath = flag.String("config", "", "Config file path (default: $CONFIG_PATH or ./config.yaml)")
	httpAddr   = flag.String("http", ":8000", "HTTP server address")
	pprofAddr  = flag.String("pprof", "", "pprof server address (disabled when empty)")
	modelDir   = flag.String("model-dir", "models", "Directory holding the pose model")
	modelFile  = flag.String("model", "pose_landmark_heavy.onnx", "Pose model file name")
	backend    = flag.String("backend", "auto", "Inference backend (auto, cpu, cuda)")
	maxJobs    = flag.Int("max-concurrent", 2, "Maximum concurrent analyses")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

// Server is the analysis server process
type Server struct {
	cfg        config.Config
	provider   *pose.Provider
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Logging.Color)

	logger.Info("Main", "Analysis server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.Addr = *httpAddr
		case "model-dir":
			cfg.Storage.ModelDir = *modelDir
		case "model":
			cfg.Pose.ModelFile = *modelFile
		case "backend":
			cfg.Pose.Backend = *backend
		case "max-concurrent":
			cfg.Server.MaxConcurrent = *maxJobs
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-color":
			cfg.Logging.Color = *logColor
		}
	})
}

// NewServer wires storage, the pose provider, the analyzer and the API.
func NewServer(cfg config.Config) (*Server, error) {
	st, err := store.New(cfg.Storage.UploadDir, cfg.Storage.ResultsDir, cfg.Preview.MaxWidth)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureDir(cfg.Storage.ModelDir); err != nil {
		return nil, err
	}

	m := metrics.New()

	provider := pose.NewProvider(pose.Options{
		ModelPath:                  cfg.ModelPath(),
		Backend:                    cfg.Pose.Backend,
		NumPoses:                   cfg.Pose.NumPoses,
		MinPoseDetectionConfidence: cfg.Pose.MinPoseDetectionConfidence,
		MinPosePresenceConfidence:  cfg.Pose.MinPosePresenceConfidence,
		MinTrackingConfidence:      cfg.Pose.MinTrackingConfidence,
		InputSize:                  cfg.Pose.InputSize,
		LandmarksOutput:            cfg.Pose.LandmarksOutput,
		PresenceOutput:             cfg.Pose.PresenceOutput,
	})
	if provider.ModelAvailable() {
		logger.Info("Main", "Pose model: %s", cfg.ModelPath())
	} else {
		logger.Warn("Main", "Pose model not found at %s; analyses will fail until it is installed", cfg.ModelPath())
	}

	analyzer := analysis.New(provider, m, cfg.Preview.Enabled)
	apiServer := api.NewServer(cfg.Server, api.Deps{
		Analyzer: previewAnalyzer{provider: provider, analyzer: analyzer},
		Store:    st,
		Metrics:  m,
		Backend:  func() any { return provider.Info() },
	})

	return &Server{
		cfg:      cfg,
		provider: provider,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start starts the HTTP listener and the optional pprof listener
func (s *Server) Start() error {
	logger.Info("Main", "Starting servers...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.Addr)
	logger.Info("Main", "  Uploads: %s, results: %s", s.cfg.Storage.UploadDir, s.cfg.Storage.ResultsDir)

	if *pprofAddr != "" {
		logger.Info("Main", "  pprof server: %s", *pprofAddr)
		go func() {
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
			os.Exit(1)
		}
	}()

	return nil
}

// Shutdown waits for in-flight analyses up to the configured timeout
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// previewAnalyzer adapts analysis.Analyzer to the API, which only needs
// the preview image.
type previewAnalyzer struct {
	provider *pose.Provider
	analyzer *analysis.Analyzer
}

func (p previewAnalyzer) ModelAvailable() bool {
	return p.provider.ModelAvailable()
}

func (p previewAnalyzer) Analyze(ctx context.Context, videoPath, filename string) (*types.AnalysisResult, image.Image, error) {
	res, preview, err := p.analyzer.Analyze(ctx, videoPath, filename)
	if err != nil || preview == nil {
		return res, nil, err
	}
	return res, preview.Image, nil
}
