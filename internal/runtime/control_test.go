package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxsheet/voxsheet-core/internal/backend"
	"github.com/voxsheet/voxsheet-core/internal/capture"
	"github.com/voxsheet/voxsheet-core/internal/config"
	"github.com/voxsheet/voxsheet-core/internal/workflow"
)

// newTestRuntime assembles a runtime around a scripted collaborator API and
// the mock capture device, without the full Start lifecycle.
func newTestRuntime(t *testing.T, collaborator http.Handler) (*Runtime, *http.ServeMux) {
	t.Helper()
	server := httptest.NewServer(collaborator)
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Backend.Endpoint = server.URL
	cfg.Capture.ChunkIntervalMS = 5
	cfg.Capture.LevelIntervalMS = 5

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &Runtime{cfg: cfg, logger: logger}
	r.backend = backend.NewClient(cfg.Backend, logger)
	r.controller = workflow.NewController(r.backend, nil, nil, logger)
	r.capture = capture.NewManager(cfg.Capture, capture.NewMockDevice(cfg.Capture), logger, capture.Callbacks{})

	mux := http.NewServeMux()
	registerControlRoutes(mux, r)
	return r, mux
}

func collaboratorScript(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/sess-1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"session_id": "sess-1",
			"status": "active",
			"excel_file": null,
			"settings": {"language": "ar", "auto_advance": true}
		}`)
	})
	mux.HandleFunc("POST /excel/upload/sess-1", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("upload was not multipart: %v", err)
		}
		fmt.Fprint(w, `{
			"original_name": "contacts.xlsx",
			"headers": ["name", "phone"],
			"total_rows": 5
		}`)
	})
	mux.HandleFunc("POST /audio/process/sess-1", func(w http.ResponseWriter, req *http.Request) {
		file, _, err := req.FormFile("file")
		if err != nil {
			t.Errorf("audio upload missing file field: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		header := make([]byte, 4)
		_, _ = io.ReadFull(file, header)
		file.Close()
		if string(header) != "RIFF" {
			t.Errorf("audio payload is not WAV, header %q", header)
		}
		fmt.Fprint(w, `{
			"transcription": "ahmed oh five oh",
			"transcription_confidence": 0.9,
			"extracted_data": {"name": "Ahmed", "phone": "050"}
		}`)
	})
	mux.HandleFunc("POST /rows/sess-1/1/confirm", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			AutoAdvance bool `json:"auto_advance"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		if !body.AutoAdvance {
			t.Error("single-row confirm did not request auto advance")
		}
		fmt.Fprint(w, `{"status": "confirmed", "next_row": 2}`)
	})
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) workflow.Snapshot {
	t.Helper()
	var snap workflow.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("snapshot decode: %v (body %s)", err, rec.Body.String())
	}
	return snap
}

func TestControlFullLoop(t *testing.T) {
	r, mux := newTestRuntime(t, collaboratorScript(t))
	defer r.capture.Teardown()

	// Load a fresh session: no dataset yet, so the workflow opens on upload.
	rec := postJSON(t, mux, "/v1/session/load", `{"session_id": "sess-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("session load status = %d body %s", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.Step != "upload" {
		t.Fatalf("step = %q, want upload", snap.Step)
	}

	// Recording before upload is rejected.
	if rec := postJSON(t, mux, "/v1/record/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("record before upload status = %d, want 409", rec.Code)
	}

	// Upload the dataset through the control surface.
	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, _ := mw.CreateFormFile("file", "contacts.xlsx")
	_, _ = fw.Write([]byte("xlsx-bytes"))
	mw.Close()
	upReq := httptest.NewRequest(http.MethodPost, "/v1/upload", &form)
	upReq.Header.Set("Content-Type", mw.FormDataContentType())
	upRec := httptest.NewRecorder()
	mux.ServeHTTP(upRec, upReq)
	if upRec.Code != http.StatusOK {
		t.Fatalf("upload status = %d body %s", upRec.Code, upRec.Body.String())
	}
	snap := decodeSnapshot(t, upRec)
	if snap.Step != "record" || snap.Dataset == nil || snap.Dataset.CurrentRow != 1 {
		t.Fatalf("post-upload snapshot = %+v", snap)
	}

	// Record and stop: the WAV goes to the collaborator, the extraction
	// lands in the edit buffer.
	if rec := postJSON(t, mux, "/v1/record/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("record start status = %d body %s", rec.Code, rec.Body.String())
	}
	stopRec := postJSON(t, mux, "/v1/record/stop", "")
	if stopRec.Code != http.StatusOK {
		t.Fatalf("record stop status = %d body %s", stopRec.Code, stopRec.Body.String())
	}
	snap = decodeSnapshot(t, stopRec)
	if snap.Step != "edit" {
		t.Fatalf("step = %q after extraction, want edit", snap.Step)
	}
	if v := snap.Fields["name"]; v == nil || *v != "Ahmed" {
		t.Fatalf("extracted name = %v", v)
	}
	if !snap.CanConfirm {
		t.Fatal("can_confirm = false with extracted fields")
	}

	// Edit one field, then confirm; the workflow returns to record with the
	// server-provided row pointer.
	if rec := postJSON(t, mux, "/v1/field", `{"column": "phone", "value": "0501234567"}`); rec.Code != http.StatusOK {
		t.Fatalf("field status = %d body %s", rec.Code, rec.Body.String())
	}
	confirmRec := postJSON(t, mux, "/v1/confirm", "")
	if confirmRec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d body %s", confirmRec.Code, confirmRec.Body.String())
	}
	snap = decodeSnapshot(t, confirmRec)
	if snap.Step != "record" || snap.Dataset.CurrentRow != 2 {
		t.Fatalf("post-confirm snapshot = %+v", snap)
	}
}

func TestControlStopWithoutCapture(t *testing.T) {
	r, mux := newTestRuntime(t, collaboratorScript(t))
	defer r.capture.Teardown()

	if rec := postJSON(t, mux, "/v1/record/stop", ""); rec.Code != http.StatusConflict {
		t.Fatalf("stop without capture status = %d, want 409", rec.Code)
	}
}

func TestControlDownloadBeforeLoad(t *testing.T) {
	r, mux := newTestRuntime(t, collaboratorScript(t))
	defer r.capture.Teardown()

	req := httptest.NewRequest(http.MethodGet, "/v1/download", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("download before load status = %d, want 412", rec.Code)
	}
}

func TestControlStateIsAlwaysServed(t *testing.T) {
	r, mux := newTestRuntime(t, collaboratorScript(t))
	defer r.capture.Teardown()

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.Step != "upload" {
		t.Fatalf("initial step = %q, want upload", snap.Step)
	}
}
