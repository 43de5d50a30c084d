package analysis

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/sports-movement/analysis-server/internal/pose"
)

// minPreviewVisibility hides landmarks the model considers occluded.
const minPreviewVisibility = 0.3

var (
	boneColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	jointColor = color.RGBA{R: 0, G: 0, B: 255, A: 255}
)

// Preview is a rendered frame with the detected skeleton drawn on it
type Preview struct {
	FrameNumber int
	Image       image.Image
}

func renderPreview(frame gocv.Mat, poses []pose.Pose, n int) (*Preview, error) {
	canvas := frame.Clone()
	defer canvas.Close()

	w, h := canvas.Cols(), canvas.Rows()
	thickness := max(1, w/320)
	for _, p := range poses {
		point := func(i int) image.Point {
			lm := p.Landmarks[i]
			return image.Pt(int(lm.X*float64(w)), int(lm.Y*float64(h)))
		}
		visible := func(i int) bool {
			return i < len(p.Landmarks) && p.Landmarks[i].Visibility >= minPreviewVisibility
		}

		for _, c := range pose.Connections {
			if visible(c[0]) && visible(c[1]) {
				gocv.Line(&canvas, point(c[0]), point(c[1]), boneColor, thickness)
			}
		}
		for i := range p.Landmarks {
			if visible(i) {
				gocv.Circle(&canvas, point(i), thickness+2, jointColor, -1)
			}
		}
	}

	img, err := canvas.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame %d: %w", n, err)
	}
	return &Preview{FrameNumber: n, Image: img}, nil
}
