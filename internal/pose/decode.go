package pose

import (
	"fmt"
	"math"
)

// valuesPerLandmark is x, y, z, visibility logit, presence logit.
const valuesPerLandmark = 5

// roiScale enlarges the landmark bounding box when it seeds the next frame's crop.
const roiScale = 1.25

// minROISide keeps tracked crops from collapsing onto a few pixels.
const minROISide = 32

// roi is a square crop of the frame in pixel coordinates. It may extend
// past the frame edges; the overhang is padded black.
type roi struct {
	X, Y, Side int
}

// fullFrameROI letterboxes the whole frame into a centered square.
func fullFrameROI(width, height int) roi {
	side := width
	if height > side {
		side = height
	}
	return roi{
		X:    -(side - width) / 2,
		Y:    -(side - height) / 2,
		Side: side,
	}
}

// roiFromLandmarks returns a square crop centered on the pose's bounding box.
func roiFromLandmarks(lms []Landmark, width, height int) roi {
	if len(lms) == 0 {
		return fullFrameROI(width, height)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, lm := range lms {
		px, py := lm.X*float64(width), lm.Y*float64(height)
		minX, maxX = math.Min(minX, px), math.Max(maxX, px)
		minY, maxY = math.Min(minY, py), math.Max(maxY, py)
	}

	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	side := math.Max(maxX-minX, maxY-minY) * roiScale
	if side < minROISide {
		side = minROISide
	}
	s := int(math.Ceil(side))
	return roi{
		X:    int(math.Round(cx - side/2)),
		Y:    int(math.Round(cy - side/2)),
		Side: s,
	}
}

// decodeLandmarks maps raw network output (landmarks in input pixels) back to
// frame-normalized coordinates. Only the first NumLandmarks points are body
// landmarks; the rest are auxiliary alignment points.
func decodeLandmarks(raw []float32, inputSize int, r roi, width, height int) ([]Landmark, error) {
	if len(raw) < NumLandmarks*valuesPerLandmark {
		return nil, fmt.Errorf("landmark output has %d values, need at least %d",
			len(raw), NumLandmarks*valuesPerLandmark)
	}
	if inputSize <= 0 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid geometry input=%d frame=%dx%d", inputSize, width, height)
	}

	scale := float64(r.Side) / float64(inputSize)
	out := make([]Landmark, NumLandmarks)
	for i := range out {
		v := raw[i*valuesPerLandmark : (i+1)*valuesPerLandmark]
		out[i] = Landmark{
			X:          (float64(r.X) + float64(v[0])*scale) / float64(width),
			Y:          (float64(r.Y) + float64(v[1])*scale) / float64(height),
			Z:          float64(v[2]) * scale / float64(width),
			Visibility: sigmoid(float64(v[3])),
			Presence:   sigmoid(float64(v[4])),
		}
	}
	return out, nil
}

// presenceScore normalizes the pose flag output. Some exports emit a
// probability, others the raw logit.
func presenceScore(v float32) float64 {
	f := float64(v)
	if f >= 0 && f <= 1 {
		return f
	}
	return sigmoid(f)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
