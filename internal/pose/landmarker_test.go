package pose

import (
	"errors"
	"reflect"
	"testing"

	"gocv.io/x/gocv"
)

const (
	testFrameW = 64
	testFrameH = 48
)

var testLandmarks = []Landmark{{X: 0.25, Y: 0.25}, {X: 0.75, Y: 0.75}}

// scriptedInfer returns the queued scores in call order and records every
// crop it was asked to run on.
type scriptedInfer struct {
	scores []float64
	err    error
	rois   []roi
}

func (s *scriptedInfer) infer(_ gocv.Mat, r roi) (Pose, error) {
	s.rois = append(s.rois, r)
	if s.err != nil {
		return Pose{}, s.err
	}
	if len(s.scores) == 0 {
		return Pose{}, errors.New("unexpected inference")
	}
	score := s.scores[0]
	s.scores = s.scores[1:]
	return Pose{Landmarks: testLandmarks, Score: score}, nil
}

func newTestLandmarker(opts Options, fake *scriptedInfer) *Landmarker {
	return &Landmarker{opts: opts, inferFn: fake.infer}
}

func testFrame(t *testing.T) gocv.Mat {
	t.Helper()
	frame := gocv.NewMatWithSize(testFrameH, testFrameW, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })
	return frame
}

func TestLandmarkerTracking(t *testing.T) {
	full := fullFrameROI(testFrameW, testFrameH)
	tracked := roiFromLandmarks(testLandmarks, testFrameW, testFrameH)
	if tracked == full {
		t.Fatalf("test landmarks must yield a crop distinct from the full frame")
	}

	type step struct {
		ts        int64
		wantROIs  []roi
		wantPoses int
		wantErr   bool
	}
	tests := []struct {
		name   string
		opts   Options
		scores []float64
		steps  []step
	}{
		{
			name:   "full frame accepted at detection threshold",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.5, MinTrackingConfidence: 0.5},
			scores: []float64{0.5},
			steps:  []step{{ts: 0, wantROIs: []roi{full}, wantPoses: 1}},
		},
		{
			name:   "full frame needs the larger of detection and presence",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.7, MinTrackingConfidence: 0.5},
			scores: []float64{0.6, 0.6},
			steps: []step{
				{ts: 0, wantROIs: []roi{full}, wantPoses: 0},
				// Rejection keeps no crop, so the next frame is a full detection again.
				{ts: 33, wantROIs: []roi{full}, wantPoses: 0},
			},
		},
		{
			name:   "tracked pose kept at tracking threshold",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.8, MinPosePresenceConfidence: 0.5, MinTrackingConfidence: 0.6},
			scores: []float64{0.9, 0.6, 0.6},
			steps: []step{
				{ts: 0, wantROIs: []roi{full}, wantPoses: 1},
				{ts: 33, wantROIs: []roi{tracked}, wantPoses: 1},
				{ts: 66, wantROIs: []roi{tracked}, wantPoses: 1},
			},
		},
		{
			name:   "lost track re-detects on the same frame",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.5, MinTrackingConfidence: 0.7},
			scores: []float64{0.9, 0.6, 0.8},
			steps: []step{
				{ts: 0, wantROIs: []roi{full}, wantPoses: 1},
				{ts: 33, wantROIs: []roi{tracked, full}, wantPoses: 1},
			},
		},
		{
			name:   "lost track and failed re-detection drops the crop",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.5, MinTrackingConfidence: 0.7},
			scores: []float64{0.9, 0.2, 0.1, 0.9},
			steps: []step{
				{ts: 0, wantROIs: []roi{full}, wantPoses: 1},
				{ts: 33, wantROIs: []roi{tracked, full}, wantPoses: 0},
				{ts: 66, wantROIs: []roi{full}, wantPoses: 1},
			},
		},
		{
			name:   "tracking also requires presence threshold",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.8, MinTrackingConfidence: 0.5},
			scores: []float64{0.9, 0.6, 0.9},
			steps: []step{
				{ts: 0, wantROIs: []roi{full}, wantPoses: 1},
				{ts: 33, wantROIs: []roi{tracked, full}, wantPoses: 1},
			},
		},
		{
			name:   "equal timestamp rejected",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.5, MinTrackingConfidence: 0.5},
			scores: []float64{0.9},
			steps: []step{
				{ts: 100, wantROIs: []roi{full}, wantPoses: 1},
				{ts: 100, wantErr: true},
			},
		},
		{
			name:   "decreasing timestamp rejected",
			opts:   Options{NumPoses: 1, MinPoseDetectionConfidence: 0.5, MinPosePresenceConfidence: 0.5, MinTrackingConfidence: 0.5},
			scores: []float64{0.9},
			steps: []step{
				{ts: 100, wantROIs: []roi{full}, wantPoses: 1},
				{ts: 50, wantErr: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &scriptedInfer{scores: append([]float64(nil), tt.scores...)}
			l := newTestLandmarker(tt.opts, fake)
			frame := testFrame(t)

			for i, st := range tt.steps {
				fake.rois = nil
				poses, err := l.Detect(frame, st.ts)
				if st.wantErr {
					if err == nil {
						t.Fatalf("step %d: expected timestamp error", i)
					}
					if len(fake.rois) != 0 {
						t.Fatalf("step %d: inference ran for a rejected timestamp", i)
					}
					continue
				}
				if err != nil {
					t.Fatalf("step %d: Detect: %v", i, err)
				}
				if len(poses) != st.wantPoses {
					t.Fatalf("step %d: got %d poses, want %d", i, len(poses), st.wantPoses)
				}
				if !reflect.DeepEqual(fake.rois, st.wantROIs) {
					t.Fatalf("step %d: crops = %+v, want %+v", i, fake.rois, st.wantROIs)
				}
			}
			if len(fake.scores) != 0 {
				t.Fatalf("%d scripted inferences unused", len(fake.scores))
			}
		})
	}
}

func TestLandmarkerRejectsEmptyFrame(t *testing.T) {
	fake := &scriptedInfer{}
	l := newTestLandmarker(DefaultOptions(""), fake)

	empty := gocv.NewMat()
	defer empty.Close()
	if _, err := l.Detect(empty, 0); err == nil {
		t.Fatal("expected error for empty frame")
	}
	if len(fake.rois) != 0 {
		t.Fatal("inference ran on an empty frame")
	}
}

func TestLandmarkerInferErrorPropagates(t *testing.T) {
	boom := errors.New("forward failed")
	fake := &scriptedInfer{err: boom}
	l := newTestLandmarker(DefaultOptions(""), fake)

	if _, err := l.Detect(testFrame(t), 0); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestLandmarkerLimit(t *testing.T) {
	poses := []Pose{{Score: 0.9}, {Score: 0.8}, {Score: 0.7}}
	cases := []struct {
		numPoses int
		want     int
	}{
		{1, 1},
		{2, 2},
		{5, 3},
	}
	for _, tc := range cases {
		l := &Landmarker{opts: Options{NumPoses: tc.numPoses}}
		if got := l.limit(poses); len(got) != tc.want {
			t.Fatalf("limit with NumPoses=%d returned %d poses, want %d", tc.numPoses, len(got), tc.want)
		}
	}
}
