package types

import "errors"

// Sentinel errors shared by the analysis pipeline and the HTTP layer
var (
	ErrNotVideo        = errors.New("File must be a video")
	ErrModelMissing    = errors.New("Pose model file not found. Please run setup to download the model.")
	ErrUnreadableVideo = errors.New("Could not open video file")
	ErrBusy            = errors.New("Server busy")
	ErrResultNotFound  = errors.New("Result not found")
)
