package types

// KeypointsPerFrame is the number of landmarks the pose model emits per person.
const KeypointsPerFrame = 33

// Keypoint is a single body landmark in a frame
type Keypoint struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	X          float64 `json:"x"`          // Normalized [0, 1] of frame width
	Y          float64 `json:"y"`          // Normalized [0, 1] of frame height
	Z          float64 `json:"z"`          // Depth relative to hips, same scale as X
	Visibility float64 `json:"visibility"` // Confidence [0, 1]
}

// FrameData holds the keypoints found in one decoded frame
type FrameData struct {
	FrameNumber int        `json:"frame_number"`
	Timestamp   float64    `json:"timestamp"` // Seconds from start of video
	Keypoints   []Keypoint `json:"keypoints"`
}

// VideoInfo describes the uploaded video as reported by the decoder
type VideoInfo struct {
	FPS             float64 `json:"fps"`
	TotalFrames     int     `json:"total_frames"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AnalysisResult is the document persisted to the results directory
type AnalysisResult struct {
	VideoFilename     string      `json:"video_filename"`
	ProcessedAt       string      `json:"processed_at"`
	VideoInfo         VideoInfo   `json:"video_info"`
	KeypointsPerFrame int         `json:"keypoints_per_frame"`
	Frames            []FrameData `json:"frames"`
}

// AnalyzeResponse is the body returned by POST /api/analyze-video
type AnalyzeResponse struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	ResultFile  string          `json:"result_file"`
	PreviewFile string          `json:"preview_file,omitempty"`
	Analysis    *AnalysisResult `json:"analysis"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ResultFile describes a persisted analysis document
type ResultFile struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	ModifiedAt string `json:"modified_at"`
}

// AnalysisSummary is a short record of a finished analysis for the status API.
type AnalysisSummary struct {
	ID              string  `json:"id"`
	VideoFilename   string  `json:"video_filename"`
	ResultFile      string  `json:"result_file,omitempty"`
	FramesProcessed int     `json:"frames_processed"`
	FramesWithPose  int     `json:"frames_with_pose"`
	DurationMs      int64   `json:"duration_ms"`
	ProcessedAt     float64 `json:"processed_at"`
	Error           string  `json:"error,omitempty"`
}

// DurationSeconds returns totalFrames/fps, or 0 when fps is not positive.
func DurationSeconds(totalFrames int, fps float64) float64 {
	if fps > 0 {
		return float64(totalFrames) / fps
	}
	return 0
}
