package pose

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"gocv.io/x/gocv"
)

// Landmarker runs the landmark network over consecutive video frames.
// It is stateful: a pose accepted on one frame seeds the crop for the next,
// so one Landmarker must serve exactly one video.
type Landmarker struct {
	opts Options
	net  gocv.Net
	mu   sync.Mutex

	lastTimestamp int64
	started       bool
	tracked       *roi

	// inferFn runs the network on one crop; replaceable for tests.
	inferFn func(frame gocv.Mat, r roi) (Pose, error)
}

func newLandmarker(opts Options, backend string) (*Landmarker, error) {
	net := gocv.ReadNet(opts.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load pose network from %s", opts.ModelPath)
	}

	switch backend {
	case BackendCUDA:
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	default:
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	l := &Landmarker{opts: opts, net: net}
	l.inferFn = l.infer
	return l, nil
}

// Detect returns the poses in frame. timestampMs must increase strictly
// across calls.
func (l *Landmarker) Detect(frame gocv.Mat, timestampMs int64) ([]Pose, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if frame.Empty() {
		return nil, errors.New("empty frame")
	}
	if l.started && timestampMs <= l.lastTimestamp {
		return nil, fmt.Errorf("input timestamp %d must be greater than previous %d", timestampMs, l.lastTimestamp)
	}
	l.started = true
	l.lastTimestamp = timestampMs

	width, height := frame.Cols(), frame.Rows()

	if l.tracked != nil {
		pose, err := l.inferFn(frame, *l.tracked)
		if err != nil {
			return nil, err
		}
		if pose.Score >= l.opts.MinTrackingConfidence && pose.Score >= l.opts.MinPosePresenceConfidence {
			next := roiFromLandmarks(pose.Landmarks, width, height)
			l.tracked = &next
			return l.limit([]Pose{pose}), nil
		}
		// Lost track; detect again on the full frame.
		l.tracked = nil
	}

	pose, err := l.inferFn(frame, fullFrameROI(width, height))
	if err != nil {
		return nil, err
	}
	if pose.Score < math.Max(l.opts.MinPoseDetectionConfidence, l.opts.MinPosePresenceConfidence) {
		return nil, nil
	}

	next := roiFromLandmarks(pose.Landmarks, width, height)
	l.tracked = &next
	return l.limit([]Pose{pose}), nil
}

// limit caps poses at NumPoses. The network yields at most one pose per
// frame, so NumPoses above 1 has no effect.
func (l *Landmarker) limit(poses []Pose) []Pose {
	if len(poses) > l.opts.NumPoses {
		return poses[:l.opts.NumPoses]
	}
	return poses
}

// infer runs the network on the square crop r of frame.
func (l *Landmarker) infer(frame gocv.Mat, r roi) (Pose, error) {
	crop := cropSquare(frame, r)
	defer crop.Close()

	size := l.opts.InputSize
	// BGR -> RGB, scaled to [0, 1]
	blob := gocv.BlobFromImage(crop, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	l.net.SetInput(blob, "")
	outputs := l.net.ForwardLayers([]string{l.opts.LandmarksOutput, l.opts.PresenceOutput})
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()
	if len(outputs) != 2 {
		return Pose{}, fmt.Errorf("expected 2 network outputs, got %d", len(outputs))
	}

	raw, err := outputs[0].DataPtrFloat32()
	if err != nil {
		return Pose{}, fmt.Errorf("read landmark output: %w", err)
	}
	flags, err := outputs[1].DataPtrFloat32()
	if err != nil {
		return Pose{}, fmt.Errorf("read presence output: %w", err)
	}
	if len(flags) == 0 {
		return Pose{}, errors.New("presence output is empty")
	}

	landmarks, err := decodeLandmarks(raw, size, r, frame.Cols(), frame.Rows())
	if err != nil {
		return Pose{}, err
	}
	return Pose{Landmarks: landmarks, Score: presenceScore(flags[0])}, nil
}

// Close releases the network
func (l *Landmarker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.net.Close()
}

// cropSquare copies region r out of frame, padding any part outside the
// frame with black.
func cropSquare(frame gocv.Mat, r roi) gocv.Mat {
	want := image.Rect(r.X, r.Y, r.X+r.Side, r.Y+r.Side)
	inside := want.Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if inside.Empty() {
		return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), r.Side, r.Side, frame.Type())
	}

	sub := frame.Region(inside)
	defer sub.Close()

	out := gocv.NewMat()
	gocv.CopyMakeBorder(sub, &out,
		inside.Min.Y-want.Min.Y, want.Max.Y-inside.Max.Y,
		inside.Min.X-want.Min.X, want.Max.X-inside.Max.X,
		gocv.BorderConstant, color.RGBA{})
	return out
}
