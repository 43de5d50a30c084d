package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/sports-movement/analysis-server/internal/logger"
	"github.com/sports-movement/analysis-server/internal/metrics"
	"github.com/sports-movement/analysis-server/internal/pose"
	"github.com/sports-movement/analysis-server/internal/video"
	"github.com/sports-movement/analysis-server/pkg/types"
)

// ProcessedAtLayout formats processed_at as local ISO-8601 with microseconds.
const ProcessedAtLayout = "2006-01-02T15:04:05.000000"

// fallbackFrameMs spaces timestamps when the container reports no frame rate.
const fallbackFrameMs = 33

// maxPrealloc caps the frame slice preallocated from the container's frame count.
const maxPrealloc = 1 << 16

// DetectorProvider hands out a fresh detector per video
type DetectorProvider interface {
	ModelAvailable() bool
	NewDetector() (pose.Detector, error)
}

// FrameSource yields decoded frames in order
type FrameSource interface {
	Info() types.VideoInfo
	Read(dst *gocv.Mat) bool
	Close() error
}

// Analyzer runs pose detection over every frame of a video
type Analyzer struct {
	provider DetectorProvider
	metrics  *metrics.Metrics
	preview  bool
	log      *logger.ModuleLogger

	// OpenVideo opens the frame source; replaceable for tests.
	OpenVideo func(path string) (FrameSource, error)
	now       func() time.Time
}

// New creates an analyzer. When preview is true the first frame with a pose
// is rendered with its skeleton.
func New(provider DetectorProvider, m *metrics.Metrics, preview bool) *Analyzer {
	return &Analyzer{
		provider:  provider,
		metrics:   m,
		preview:   preview,
		log:       logger.For("Analyzer"),
		OpenVideo: openReader,
		now:       time.Now,
	}
}

func openReader(path string) (FrameSource, error) {
	r, err := video.Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Analyze decodes videoPath and returns one FrameData per decoded frame.
// originalFilename is recorded as video_filename.
func (a *Analyzer) Analyze(ctx context.Context, videoPath, originalFilename string) (result *types.AnalysisResult, preview *Preview, err error) {
	if !a.provider.ModelAvailable() {
		return nil, nil, types.ErrModelMissing
	}

	id := uuid.NewString()
	log := a.log.With(id[:8])

	done := a.metrics.BeginAnalysis()
	defer func() { done(err) }()

	src, err := a.OpenVideo(videoPath)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	det, err := a.provider.NewDetector()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pose landmarker: %w", err)
	}
	defer det.Close()

	info := src.Info()
	log.Info("Analyzing %s (%dx%d, %.2f fps, %d frames)",
		originalFilename, info.Width, info.Height, info.FPS, info.TotalFrames)

	start := time.Now()
	frames := make([]types.FrameData, 0, min(max(info.TotalFrames, 0), maxPrealloc))
	withPose := 0

	frame := gocv.NewMat()
	defer frame.Close()

	lastTs := int64(-1)
	for n := 0; src.Read(&frame); n++ {
		if err := ctx.Err(); err != nil {
			log.Warn("Cancelled after %d frames: %v", n, err)
			return nil, nil, err
		}

		// The detector requires strictly increasing timestamps.
		ts := TimestampMs(n, info.FPS)
		if ts <= lastTs {
			ts = lastTs + 1
		}
		lastTs = ts

		inferStart := time.Now()
		poses, err := det.Detect(frame, ts)
		a.metrics.ObserveInference(time.Since(inferStart))
		if err != nil {
			return nil, nil, fmt.Errorf("frame %d: %w", n, err)
		}
		a.metrics.ObserveFrame(len(poses))

		frames = append(frames, types.FrameData{
			FrameNumber: n,
			Timestamp:   FrameTimestamp(n, info.FPS),
			Keypoints:   Keypoints(poses),
		})

		if len(poses) > 0 {
			withPose++
			if a.preview && preview == nil {
				if preview, err = renderPreview(frame, poses, n); err != nil {
					log.Warn("Preview render failed: %v", err)
					preview = nil
				}
			}
		}
	}

	log.Info("Processed %d frames (%d with pose) in %v",
		len(frames), withPose, time.Since(start).Round(time.Millisecond))

	return &types.AnalysisResult{
		VideoFilename:     originalFilename,
		ProcessedAt:       a.now().Format(ProcessedAtLayout),
		VideoInfo:         info,
		KeypointsPerFrame: types.KeypointsPerFrame,
		Frames:            frames,
	}, preview, nil
}

// TimestampMs is the detector timestamp for frame n.
func TimestampMs(n int, fps float64) int64 {
	if fps > 0 {
		return int64(float64(n) / fps * 1000)
	}
	return int64(n) * fallbackFrameMs
}

// FrameTimestamp is the position of frame n in seconds, 0 without a frame rate.
func FrameTimestamp(n int, fps float64) float64 {
	if fps > 0 {
		return float64(n) / fps
	}
	return 0
}

// Keypoints flattens poses into a keypoint list. Ids restart at 0 per pose.
func Keypoints(poses []pose.Pose) []types.Keypoint {
	kps := make([]types.Keypoint, 0, len(poses)*pose.NumLandmarks)
	for _, p := range poses {
		for i, lm := range p.Landmarks {
			name := ""
			if i < len(pose.LandmarkNames) {
				name = pose.LandmarkNames[i]
			}
			kps = append(kps, types.Keypoint{
				ID:         i,
				Name:       name,
				X:          lm.X,
				Y:          lm.Y,
				Z:          lm.Z,
				Visibility: lm.Visibility,
			})
		}
	}
	return kps
}
