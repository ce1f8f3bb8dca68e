package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/voxsheet/voxsheet-core/internal/backend"
	"github.com/voxsheet/voxsheet-core/internal/capture"
	"github.com/voxsheet/voxsheet-core/internal/eventstore"
	"github.com/voxsheet/voxsheet-core/internal/workflow"
)

// registerControlRoutes mounts the local control API the operator surface
// talks to. It is a thin translation layer: parse, call the workflow, map
// errors to status codes. All session logic lives behind it.
func registerControlRoutes(mux *http.ServeMux, r *Runtime) {
	mux.HandleFunc("POST /v1/session/load", r.handleSessionLoad)
	mux.HandleFunc("POST /v1/upload", r.handleUpload)
	mux.HandleFunc("POST /v1/record/start", r.handleRecordStart)
	mux.HandleFunc("POST /v1/record/stop", r.handleRecordStop)
	mux.HandleFunc("POST /v1/field", r.handleField)
	mux.HandleFunc("POST /v1/confirm", r.handleConfirm)
	mux.HandleFunc("POST /v1/skip", r.handleSkip)
	mux.HandleFunc("POST /v1/rerecord", r.handleRerecord)
	mux.HandleFunc("GET /v1/state", r.handleState)
	mux.HandleFunc("GET /v1/download", r.handleDownload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrNotEditing),
		errors.Is(err, workflow.ErrNotRecording),
		errors.Is(err, workflow.ErrNoDataset),
		errors.Is(err, capture.ErrAlreadyCapturing):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrNothingToConfirm):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrNoSession):
		status = http.StatusPreconditionFailed
	case errors.Is(err, backend.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, backend.ErrInvalidFormat):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, backend.ErrExtraction),
		errors.Is(err, backend.ErrPersist):
		status = http.StatusBadGateway
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (r *Runtime) handleSessionLoad(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}
	if err := r.controller.LoadSession(req.Context(), body.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleUpload(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart form expected"})
		return
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file field is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read upload"})
		return
	}

	sessionID := r.controller.SessionID()
	if sessionID == "" {
		writeError(w, workflow.ErrNoSession)
		return
	}
	descriptor, err := r.backend.UploadDataset(req.Context(), sessionID, header.Filename, data)
	if err != nil {
		r.controller.Notices().Error("upload failed: unsupported or corrupt file")
		writeError(w, err)
		return
	}
	r.controller.CompleteUpload(descriptor)
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleRecordStart(w http.ResponseWriter, req *http.Request) {
	if r.controller.Step() != workflow.StepRecord {
		writeError(w, workflow.ErrNotRecording)
		return
	}
	if err := r.capture.Start(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	r.appendCaptureEvent(req.Context(), eventstore.TypeCaptureStarted)
	writeJSON(w, http.StatusOK, map[string]string{
		"capture_id": r.capture.CaptureID(),
		"state":      r.capture.State().String(),
	})
}

func (r *Runtime) handleRecordStop(w http.ResponseWriter, req *http.Request) {
	rec, err := r.capture.Stop()
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no capture in progress"})
		return
	}

	row := r.controller.Snapshot().TargetRow
	result, err := r.backend.ProcessAudio(req.Context(), r.controller.SessionID(), rec.WAV, row)
	if err != nil {
		r.controller.Notices().Error("could not understand the recording")
		writeError(w, err)
		return
	}
	if err := r.controller.CompleteRecording(result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleField(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Column string `json:"column"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Column == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "column is required"})
		return
	}
	if err := r.controller.SetField(body.Column, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleConfirm(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Data backend.RowData `json:"data"`
	}
	if req.ContentLength > 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid confirm payload"})
			return
		}
	}
	if err := r.controller.Confirm(req.Context(), body.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleSkip(w http.ResponseWriter, req *http.Request) {
	if err := r.controller.Skip(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleRerecord(w http.ResponseWriter, req *http.Request) {
	if err := r.controller.Rerecord(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleDownload(w http.ResponseWriter, req *http.Request) {
	rc, err := r.controller.Download(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="dataset.xlsx"`)
	if _, err := io.Copy(w, rc); err != nil {
		r.logger.Warn("download stream interrupted", slog.String("error", err.Error()))
	}
}

func (r *Runtime) appendCaptureEvent(ctx context.Context, eventType string) {
	if r.store == nil {
		return
	}
	evt := eventstore.Event{
		SessionID: r.controller.SessionID(),
		Type:      eventType,
	}
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.logger.Warn("audit event write failed", slog.String("error", err.Error()))
	}
}
