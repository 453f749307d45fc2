package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loraserve/pkg/types"
)

const (
	retrainNotRequested = "Retraining not requested."
	retrainStarted      = "Retraining started in the background. The model will be updated upon completion."
)

// retrain godoc
// @Summary      Retrain the adapter from an upload
// @Description  Accepts {"Product": [[item, ...], ...]} as a .json file. Training runs in the background and the new adapter is swapped in when it finishes. Only one job runs at a time.
// @Tags         retrain
// @Accept       mpfd
// @Produce      json
// @Param        retrain  formData  bool  true   "Start retraining"
// @Param        file     formData  file  false  "Purchase groups (.json), required when retrain is true"
// @Success      200  {object}  types.RetrainResponse  "retraining not requested"
// @Success      202  {object}  types.RetrainResponse
// @Failure      400  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Failure      415  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /v1/retrain [post]
func (h *handlers) retrain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lvl := requestLogLevel(r)
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "multipart/form-data") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be multipart/form-data")
		return
	}
	// room for the form envelope on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.lim.upload+(1<<20))
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	vals, ok := r.MultipartForm.Value["retrain"]
	if !ok || len(vals) == 0 {
		writeJSONError(w, http.StatusBadRequest, "retrain field is required")
		return
	}
	want, err := strconv.ParseBool(strings.TrimSpace(vals[0]))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "retrain must be a boolean")
		return
	}
	if !want {
		writeJSON(w, http.StatusOK, types.RetrainResponse{Message: retrainNotRequested})
		logEnd(r, lvl, http.StatusOK, start, nil)
		return
	}
	if h.jobs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "retraining is not configured")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	job, err := h.jobs.Submit(r.Context(), header.Filename, file)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusConflict {
			IncrementBackpressure("retrain")
		}
		writeJSONError(w, status, err.Error())
		logEnd(r, lvl, status, start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.RetrainResponse{Message: retrainStarted, Job: &job})
	if e := requestEvent(r, lvl, LevelInfo); e != nil {
		e.Str("job", job.ID).Str("file", job.Filename).Msg("retraining accepted")
	}
}
