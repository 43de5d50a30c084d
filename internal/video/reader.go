package video

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/sports-movement/analysis-server/pkg/types"
)

// Reader decodes frames from a video file
type Reader struct {
	mu     sync.Mutex
	path   string
	cap    *gocv.VideoCapture
	info   types.VideoInfo
	closed bool
}

// Open opens a video file for decoding. Files the decoder cannot open
// return an error wrapping types.ErrUnreadableVideo.
func Open(path string) (*Reader, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnreadableVideo, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, types.ErrUnreadableVideo
	}

	fps := vc.Get(gocv.VideoCaptureFPS)
	total := int(vc.Get(gocv.VideoCaptureFrameCount))
	info := types.VideoInfo{
		FPS:             fps,
		TotalFrames:     total,
		Width:           int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:          int(vc.Get(gocv.VideoCaptureFrameHeight)),
		DurationSeconds: types.DurationSeconds(total, fps),
	}

	return &Reader{path: path, cap: vc, info: info}, nil
}

// Info returns the container metadata reported by the decoder
func (r *Reader) Info() types.VideoInfo {
	return r.info
}

// Read decodes the next frame into dst. It returns false at end of stream.
func (r *Reader) Read(dst *gocv.Mat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	return r.cap.Read(dst) && !dst.Empty()
}

// Close releases the decoder
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.cap.Close()
}
