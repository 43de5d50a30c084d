package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sports-movement/analysis-server/pkg/types"
)

// uploadField is the multipart field carrying the video.
const uploadField = "file"

type badRequestError struct {
	detail string
}

func (e *badRequestError) Error() string {
	return e.detail
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

func (s *Server) handleAnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	part, err := filePart(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer part.Close()

	if !strings.HasPrefix(part.Header.Get("Content-Type"), "video/") {
		s.fail(w, types.ErrNotVideo)
		return
	}
	if !s.deps.Analyzer.ModelAvailable() {
		s.fail(w, types.ErrModelMissing)
		return
	}

	// Wait for a free analysis slot for as long as the client does.
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		s.fail(w, types.ErrBusy)
		return
	}
	defer s.sem.Release(1)

	filename := part.FileName()
	up, err := s.deps.Store.SaveUpload(filename, part)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Metrics.UploadBytes.Add(uint64(up.Bytes))

	summary := types.AnalysisSummary{
		ID:            uuid.NewString(),
		VideoFilename: filename,
	}
	start := time.Now()
	result, preview, err := s.deps.Analyzer.Analyze(r.Context(), up.Path, filename)
	summary.DurationMs = time.Since(start).Milliseconds()
	summary.ProcessedAt = float64(time.Now().Unix())
	if err != nil {
		summary.Error = err.Error()
		s.monitor.Record(summary)
		s.fail(w, err)
		return
	}
	summary.FramesProcessed, summary.FramesWithPose = summarize(result)

	resultFile, err := s.deps.Store.SaveResult(up.Stamp, filename, result)
	if err != nil {
		summary.Error = err.Error()
		s.monitor.Record(summary)
		s.fail(w, err)
		return
	}
	summary.ResultFile = resultFile

	var previewFile string
	if preview != nil {
		if previewFile, err = s.deps.Store.SavePreview(up.Stamp, filename, preview); err != nil {
			s.log.Warn("Failed to save preview for %s: %v", filename, err)
			previewFile = ""
		}
	}
	s.monitor.Record(summary)

	s.log.Info("Analyzed %s: %d frames, %d with pose (%dms) -> %s",
		filename, summary.FramesProcessed, summary.FramesWithPose, summary.DurationMs, resultFile)

	writeJSON(w, types.AnalyzeResponse{
		Success:     true,
		Message:     "Video analyzed successfully",
		ResultFile:  resultFile,
		PreviewFile: previewFile,
		Analysis:    result,
	})
}

// filePart streams the multipart body up to the upload field.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, &badRequestError{detail: "Expected a multipart/form-data upload"}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &badRequestError{detail: "Missing form field: " + uploadField}
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, &badRequestError{detail: "Malformed multipart body"}
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, detail, reason := classify(err)
	s.deps.Metrics.RecordFailure(reason)
	if status >= http.StatusInternalServerError {
		s.log.Error("Analyze request failed: %v", err)
	} else {
		s.log.Warn("Analyze request rejected: %v", err)
	}
	writeError(w, status, detail)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime, recent := s.monitor.Snapshot()
	m := s.deps.Metrics

	payload := map[string]any{
		"service":         ServiceName,
		"uptime_seconds":  uptime.Seconds(),
		"model_available": s.deps.Analyzer.ModelAvailable(),
		"max_concurrent":  s.cfg.MaxConcurrent,
		"analyses": map[string]any{
			"started":   m.AnalysesStarted.Load(),
			"succeeded": m.AnalysesSucceeded.Load(),
			"failed":    m.AnalysesFailed.Load(),
			"in_flight": m.AnalysesInFlight.Load(),
		},
		"frames": map[string]any{
			"processed": m.FramesProcessed.Load(),
			"with_pose": m.FramesWithPose.Load(),
		},
		"poses_detected":  m.PosesDetected.Load(),
		"upload_bytes":    m.UploadBytes.Load(),
		"recent_analyses": recent,
		"timestamp":       float64(time.Now().Unix()),
	}
	if s.deps.Backend != nil {
		payload["backend"] = s.deps.Backend()
	}
	writeJSON(w, payload)
}
