package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/sports-movement/analysis-server/internal/metrics"
	"github.com/sports-movement/analysis-server/pkg/types"
)

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"detail":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSONWithStatus(w, types.ErrorResponse{Detail: detail}, status)
}

// classify maps an analyze-video failure to a status, a client-facing
// detail and a metrics reason.
func classify(err error) (status int, detail, reason string) {
	var tooLarge *http.MaxBytesError
	var badReq *badRequestError
	switch {
	case errors.Is(err, types.ErrNotVideo):
		return http.StatusBadRequest, types.ErrNotVideo.Error(), metrics.ReasonNotVideo
	case errors.Is(err, types.ErrModelMissing):
		return http.StatusInternalServerError, types.ErrModelMissing.Error(), metrics.ReasonModel
	case errors.Is(err, types.ErrUnreadableVideo):
		return http.StatusBadRequest, types.ErrUnreadableVideo.Error(), metrics.ReasonUnreadable
	case errors.Is(err, types.ErrBusy):
		return http.StatusServiceUnavailable, types.ErrBusy.Error(), metrics.ReasonBusy
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File too large (limit %d bytes)", tooLarge.Limit), metrics.ReasonTooLarge
	case errors.As(err, &badReq):
		return http.StatusBadRequest, badReq.detail, metrics.ReasonBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, "Error processing video: " + err.Error(), metrics.ReasonCancelled
	default:
		return http.StatusInternalServerError, "Error processing video: " + err.Error(), metrics.ReasonInternal
	}
}
