package pose

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/sports-movement/analysis-server/internal/logger"
	"github.com/sports-movement/analysis-server/pkg/types"
)

// Backend names accepted by Options.Backend
const (
	BackendAuto = "auto"
	BackendCPU  = "cpu"
	BackendCUDA = "cuda"
)

// Options configures the landmark model and its thresholds.
type Options struct {
	ModelPath                  string
	Backend                    string
	NumPoses                   int // upper bound; the network finds one pose per frame
	MinPoseDetectionConfidence float64
	MinPosePresenceConfidence  float64
	MinTrackingConfidence      float64
	InputSize                  int
	LandmarksOutput            string
	PresenceOutput             string
}

// DefaultOptions returns video-mode settings: one pose, 0.5 for every threshold.
func DefaultOptions(modelPath string) Options {
	return Options{
		ModelPath:                  modelPath,
		Backend:                    BackendAuto,
		NumPoses:                   1,
		MinPoseDetectionConfidence: 0.5,
		MinPosePresenceConfidence:  0.5,
		MinTrackingConfidence:      0.5,
		InputSize:                  256,
		LandmarksOutput:            "Identity",
		PresenceOutput:             "Identity_1",
	}
}

// Detector is the per-video pose capability: detect(frame, timestamp) -> poses.
type Detector interface {
	Detect(frame gocv.Mat, timestampMs int64) ([]Pose, error)
	Close() error
}

// ProviderInfo contains information about the selected inference backend
type ProviderInfo struct {
	Type     string        `json:"type"`    // "GPU" or "CPU"
	Backend  string        `json:"backend"` // "OpenCV CUDA", "OpenCV CPU"
	Model    string        `json:"model"`
	Resolved bool          `json:"resolved"`
	InitTime time.Duration `json:"init_time_ns"`
}

// Provider selects the inference backend once and hands out a fresh
// Landmarker per video.
type Provider struct {
	opts Options
	log  *logger.ModuleLogger

	mu       sync.Mutex
	resolved bool
	backend  string
	info     ProviderInfo

	// gpuCheck is replaceable for tests.
	gpuCheck func() bool
}

// NewProvider creates a provider. Backend resolution is deferred until the
// first landmarker is requested so the server can start without a model.
func NewProvider(opts Options) *Provider {
	if opts.NumPoses <= 0 {
		opts.NumPoses = 1
	}
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultOptions("").InputSize
	}
	if opts.Backend == "" {
		opts.Backend = BackendAuto
	}
	return &Provider{
		opts:     opts,
		log:      logger.For("Pose"),
		gpuCheck: hasGPUCapability,
		info:     ProviderInfo{Model: filepath.Base(opts.ModelPath)},
	}
}

// Options returns the provider's options.
func (p *Provider) Options() Options {
	return p.opts
}

// ModelAvailable reports whether the model file exists.
func (p *Provider) ModelAvailable() bool {
	info, err := os.Stat(p.opts.ModelPath)
	return err == nil && !info.IsDir()
}

// Info returns information about the selected backend
func (p *Provider) Info() ProviderInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// NewDetector returns a landmarker with its own network and tracking state.
func (p *Provider) NewDetector() (Detector, error) {
	lm, err := p.NewLandmarker()
	if err != nil {
		return nil, err
	}
	return lm, nil
}

// NewLandmarker loads the model on the resolved backend.
func (p *Provider) NewLandmarker() (*Landmarker, error) {
	if !p.ModelAvailable() {
		return nil, types.ErrModelMissing
	}

	backend, err := p.resolveBackend()
	if err != nil {
		return nil, err
	}
	return newLandmarker(p.opts, backend)
}

// resolveBackend performs auto-detection on first use and caches the result
func (p *Provider) resolveBackend() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return p.backend, nil
	}

	start := time.Now()
	backend := BackendCPU
	switch p.opts.Backend {
	case BackendCUDA:
		backend = BackendCUDA
	case BackendAuto:
		p.log.Info("Auto-detecting best inference backend...")
		if p.gpuCheck() {
			p.log.Info("GPU capability detected, probing CUDA backend...")
			if err := probe(p.opts, BackendCUDA); err == nil {
				backend = BackendCUDA
			} else {
				p.log.Warn("CUDA probe failed, falling back to CPU: %v", err)
			}
		} else {
			p.log.Info("No GPU capability detected")
		}
	}

	if backend == BackendCPU || p.opts.Backend == BackendCUDA {
		if err := probe(p.opts, backend); err != nil {
			return "", fmt.Errorf("failed to initialize %s backend: %w", backend, err)
		}
	}

	p.backend = backend
	p.resolved = true
	p.info = ProviderInfo{
		Type:     "CPU",
		Backend:  "OpenCV CPU",
		Model:    filepath.Base(p.opts.ModelPath),
		Resolved: true,
		InitTime: time.Since(start),
	}
	if backend == BackendCUDA {
		p.info.Type = "GPU"
		p.info.Backend = "OpenCV CUDA"
	}
	p.log.Info("%s backend initialized (%v)", p.info.Backend, p.info.InitTime)
	return backend, nil
}

// probe runs one inference on a blank frame to verify the backend works
func probe(opts Options, backend string) error {
	lm, err := newLandmarker(opts, backend)
	if err != nil {
		return err
	}
	defer lm.Close()

	frame := gocv.NewMatWithSize(opts.InputSize, opts.InputSize, gocv.MatTypeCV8UC3)
	defer frame.Close()

	_, err = lm.infer(frame, fullFrameROI(opts.InputSize, opts.InputSize))
	return err
}

// hasGPUCapability checks for an NVIDIA GPU with a loaded driver
func hasGPUCapability() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lspci").Output()
	if err != nil || !strings.Contains(strings.ToLower(string(out)), "nvidia") {
		return false
	}

	if err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err != nil {
		return false
	}

	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}
