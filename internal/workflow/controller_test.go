package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/voxsheet/voxsheet-core/internal/backend"
)

// stubBackend scripts the collaborator API for controller tests.
type stubBackend struct {
	mu sync.Mutex

	session    backend.Session
	sessionErr error

	confirmErr   error
	confirmNext  *int
	confirmCalls []confirmCall

	skipErr    error
	skipNext   int
	skipCalls  int
	downloaded bool
}

type confirmCall struct {
	row         int
	data        backend.RowData
	autoAdvance bool
}

func (s *stubBackend) GetSession(ctx context.Context, sessionID string) (backend.Session, error) {
	if s.sessionErr != nil {
		return backend.Session{}, s.sessionErr
	}
	return s.session, nil
}

func (s *stubBackend) ConfirmRow(ctx context.Context, sessionID string, rowNumber int, data backend.RowData, autoAdvance bool) (backend.ConfirmResult, error) {
	s.mu.Lock()
	s.confirmCalls = append(s.confirmCalls, confirmCall{row: rowNumber, data: data.Clone(), autoAdvance: autoAdvance})
	s.mu.Unlock()
	if s.confirmErr != nil {
		return backend.ConfirmResult{}, s.confirmErr
	}
	return backend.ConfirmResult{Status: "confirmed", NextRow: s.confirmNext}, nil
}

func (s *stubBackend) SkipRow(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	s.skipCalls++
	s.mu.Unlock()
	if s.skipErr != nil {
		return 0, s.skipErr
	}
	return s.skipNext, nil
}

func (s *stubBackend) DownloadDataset(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	s.downloaded = true
	return io.NopCloser(strings.NewReader("artifact")), nil
}

func (s *stubBackend) calls() []confirmCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]confirmCall, len(s.confirmCalls))
	copy(out, s.confirmCalls)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(n int) *int { return &n }

func freshSession(dataset *backend.DatasetDescriptor) backend.Session {
	return backend.Session{
		ID:      "sess-1",
		Status:  "active",
		Dataset: dataset,
		Settings: backend.SessionSettings{
			Language:    "ar",
			AutoAdvance: true,
		},
	}
}

func testDataset() *backend.DatasetDescriptor {
	return &backend.DatasetDescriptor{
		Name:       "customers.xlsx",
		Headers:    []string{"name", "phone", "city"},
		TotalRows:  10,
		CurrentRow: 3,
	}
}

func singleResult(fields backend.RowData) backend.ExtractionResult {
	return backend.ExtractionResult{
		Transcription: "...",
		Confidence:    0.91,
		Single:        fields,
	}
}

func TestLoadSessionDerivesStep(t *testing.T) {
	stub := &stubBackend{session: freshSession(nil)}
	c := NewController(stub, nil, nil, testLogger())

	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if c.Step() != StepUpload {
		t.Fatalf("step = %v, want upload for a dataset-less session", c.Step())
	}

	stub.session = freshSession(testDataset())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record once a dataset is bound", c.Step())
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	stub := &stubBackend{sessionErr: backend.ErrSessionNotFound}
	c := NewController(stub, nil, nil, testLogger())

	err := c.LoadSession(context.Background(), "missing")
	if !errors.Is(err, backend.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCompleteUploadMovesToRecordOnce(t *testing.T) {
	stub := &stubBackend{session: freshSession(nil)}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	c.CompleteUpload(*testDataset())
	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record after upload", c.Step())
	}
	snap := c.Snapshot()
	if snap.Dataset == nil || snap.Dataset.CurrentRow != 1 {
		t.Fatalf("dataset pointer = %+v, want current_row 1", snap.Dataset)
	}

	// A second upload while already recording is ignored outright.
	other := testDataset()
	other.Name = "other.xlsx"
	c.CompleteUpload(*other)
	if got := c.Snapshot().Dataset.Name; got != "customers.xlsx" {
		t.Fatalf("dataset = %q, second upload was not ignored", got)
	}
}

func TestCompleteRecordingRequiresRecordStep(t *testing.T) {
	stub := &stubBackend{session: freshSession(nil)}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	err := c.CompleteRecording(singleResult(backend.RowData{"name": str("Ahmed")}))
	if !errors.Is(err, ErrNoDataset) {
		t.Fatalf("err = %v, want ErrNoDataset before upload", err)
	}
}

func TestSingleRowRoundTrip(t *testing.T) {
	stub := &stubBackend{
		session:     freshSession(testDataset()),
		confirmNext: intPtr(4),
	}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	result := singleResult(backend.RowData{"name": str("Ahmed"), "phone": nil})
	if err := c.CompleteRecording(result); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}
	if c.Step() != StepEdit {
		t.Fatalf("step = %v, want edit", c.Step())
	}

	if err := c.SetField("phone", "0501234567"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := c.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	calls := stub.calls()
	if len(calls) != 1 {
		t.Fatalf("confirm calls = %d, want 1", len(calls))
	}
	if calls[0].row != 3 {
		t.Fatalf("confirmed row = %d, want 3", calls[0].row)
	}
	if !calls[0].autoAdvance {
		t.Fatal("auto_advance = false for a single-row confirm")
	}
	if v := calls[0].data["phone"]; v == nil || *v != "0501234567" {
		t.Fatalf("phone sent = %v, want edited value", v)
	}
	if v := calls[0].data["city"]; v != nil {
		t.Fatalf("city sent = %q, want nil for an untouched column", *v)
	}

	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record after confirm", c.Step())
	}
	if got := c.Snapshot().Dataset.CurrentRow; got != 4 {
		t.Fatalf("current_row = %d, want server-reported 4", got)
	}
}

func TestConfirmFillGate(t *testing.T) {
	stub := &stubBackend{session: freshSession(testDataset())}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := c.CompleteRecording(singleResult(backend.RowData{})); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}

	err := c.Confirm(context.Background(), nil)
	if !errors.Is(err, ErrNothingToConfirm) {
		t.Fatalf("err = %v, want ErrNothingToConfirm", err)
	}
	if len(stub.calls()) != 0 {
		t.Fatal("backend was called despite an all-empty buffer")
	}
	if c.Step() != StepEdit {
		t.Fatalf("step = %v, want edit preserved after a rejected confirm", c.Step())
	}

	// An empty-string edit does not open the gate either.
	if err := c.SetField("name", ""); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := c.Confirm(context.Background(), nil); !errors.Is(err, ErrNothingToConfirm) {
		t.Fatalf("err = %v, want ErrNothingToConfirm with only empty-string edits", err)
	}
}

func TestConfirmFailureKeepsState(t *testing.T) {
	stub := &stubBackend{
		session:    freshSession(testDataset()),
		confirmErr: backend.ErrPersist,
	}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := c.CompleteRecording(singleResult(backend.RowData{"name": str("Ahmed")})); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}

	err := c.Confirm(context.Background(), nil)
	if !errors.Is(err, backend.ErrPersist) {
		t.Fatalf("err = %v, want ErrPersist", err)
	}
	if c.Step() != StepEdit {
		t.Fatalf("step = %v, want edit preserved after failure", c.Step())
	}
	snap := c.Snapshot()
	if v := snap.Fields["name"]; v == nil || *v != "Ahmed" {
		t.Fatalf("edits lost after failed confirm: %v", v)
	}
	if snap.Dataset.CurrentRow != 3 {
		t.Fatalf("current_row = %d, want unchanged 3", snap.Dataset.CurrentRow)
	}
	if _, errMsg := c.Notices().Current(); errMsg == "" {
		t.Fatal("no error notice after a failed confirm")
	}

	// Retry after the transient failure succeeds from the same state.
	stub.confirmErr = nil
	stub.confirmNext = intPtr(4)
	if err := c.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("retry Confirm: %v", err)
	}
	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record after retry", c.Step())
	}
}

func TestConfirmBusyGuard(t *testing.T) {
	stub := &stubBackend{session: freshSession(testDataset())}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := c.CompleteRecording(singleResult(backend.RowData{"name": str("Ahmed")})); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}

	c.mu.Lock()
	c.busy = true
	c.mu.Unlock()

	if err := c.Confirm(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("Confirm err = %v, want ErrBusy", err)
	}
	if err := c.Skip(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Skip err = %v, want ErrBusy", err)
	}
	if err := c.Rerecord(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Rerecord err = %v, want ErrBusy", err)
	}
	if len(stub.calls()) != 0 {
		t.Fatal("backend reached while busy")
	}
}

func TestBatchWalkedOneAtATime(t *testing.T) {
	stub := &stubBackend{
		session:     freshSession(testDataset()),
		confirmNext: intPtr(6),
	}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	result := backend.ExtractionResult{
		Transcription: "...",
		Confidence:    0.84,
		Batch: []backend.BatchRow{
			{RowNumber: 3, Data: backend.RowData{"name": str("Ahmed")}},
			{RowNumber: 4, Data: backend.RowData{"name": str("Sara")}},
			{RowNumber: 5, Data: backend.RowData{"name": str("Omar")}},
		},
	}
	if err := c.CompleteRecording(result); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}
	snap := c.Snapshot()
	if snap.BatchLen != 3 || snap.BatchIndex != 0 || snap.TargetRow != 3 {
		t.Fatalf("snapshot = %+v, want batch cursor at row 3", snap)
	}

	if err := c.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("Confirm row 3: %v", err)
	}
	if c.Step() != StepEdit {
		t.Fatalf("step = %v, want edit mid-batch", c.Step())
	}
	if got := c.Snapshot().TargetRow; got != 4 {
		t.Fatalf("target row = %d, want 4 mid-batch", got)
	}
	if v := c.Snapshot().Fields["name"]; v == nil || *v != "Sara" {
		t.Fatalf("buffer not re-seeded from next batch row: %v", v)
	}

	if err := c.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("Confirm row 4: %v", err)
	}
	if err := c.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("Confirm row 5: %v", err)
	}

	calls := stub.calls()
	if len(calls) != 3 {
		t.Fatalf("confirm calls = %d, want 3", len(calls))
	}
	// Only the final batch item moves the server-side pointer.
	for i, call := range calls[:2] {
		if call.autoAdvance {
			t.Fatalf("call %d auto_advance = true mid-batch", i)
		}
	}
	if !calls[2].autoAdvance {
		t.Fatal("final batch confirm did not set auto_advance")
	}

	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record after batch completion", c.Step())
	}
	if got := c.Snapshot().Dataset.CurrentRow; got != 6 {
		t.Fatalf("current_row = %d, want 6 past the batch", got)
	}
}

func TestRerecordAbandonsBatch(t *testing.T) {
	stub := &stubBackend{session: freshSession(testDataset())}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	result := backend.ExtractionResult{
		Batch: []backend.BatchRow{
			{RowNumber: 3, Data: backend.RowData{"name": str("Ahmed")}},
			{RowNumber: 4, Data: backend.RowData{"name": str("Sara")}},
		},
	}
	if err := c.CompleteRecording(result); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}
	if err := c.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("Confirm first batch row: %v", err)
	}

	if err := c.Rerecord(); err != nil {
		t.Fatalf("Rerecord: %v", err)
	}
	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record after re-record", c.Step())
	}
	snap := c.Snapshot()
	if snap.BatchLen != 0 || snap.Fields != nil {
		t.Fatalf("batch state survived re-record: %+v", snap)
	}

	// The fresh extraction starts over; nothing resumes mid-batch.
	fresh := singleResult(backend.RowData{"name": str("Lina")})
	if err := c.CompleteRecording(fresh); err != nil {
		t.Fatalf("CompleteRecording after re-record: %v", err)
	}
	if v := c.Snapshot().Fields["name"]; v == nil || *v != "Lina" {
		t.Fatalf("buffer = %v, want fresh extraction", v)
	}
}

func TestSkipAdvancesWithoutData(t *testing.T) {
	stub := &stubBackend{
		session:  freshSession(testDataset()),
		skipNext: 4,
	}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := c.CompleteRecording(singleResult(backend.RowData{"name": str("noise")})); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}

	if err := c.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if stub.skipCalls != 1 {
		t.Fatalf("skip calls = %d, want 1", stub.skipCalls)
	}
	if len(stub.calls()) != 0 {
		t.Fatal("skip wrote row data")
	}
	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record after skip", c.Step())
	}
	snap := c.Snapshot()
	if snap.Dataset.CurrentRow != 4 {
		t.Fatalf("current_row = %d, want server-reported 4", snap.Dataset.CurrentRow)
	}
	if snap.Fields != nil {
		t.Fatal("edit buffer survived skip")
	}
}

func TestSkipAbandonsBatch(t *testing.T) {
	stub := &stubBackend{
		session:  freshSession(testDataset()),
		skipNext: 4,
	}
	c := NewController(stub, nil, nil, testLogger())
	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	result := backend.ExtractionResult{
		Batch: []backend.BatchRow{
			{RowNumber: 3, Data: backend.RowData{"name": str("Ahmed")}},
			{RowNumber: 4, Data: backend.RowData{"name": str("Sara")}},
		},
	}
	if err := c.CompleteRecording(result); err != nil {
		t.Fatalf("CompleteRecording: %v", err)
	}

	if err := c.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	snap := c.Snapshot()
	if snap.BatchLen != 0 {
		t.Fatal("batch survived skip")
	}
	if c.Step() != StepRecord {
		t.Fatalf("step = %v, want record", c.Step())
	}
}

func TestDownloadIsAPassThrough(t *testing.T) {
	stub := &stubBackend{session: freshSession(testDataset())}
	c := NewController(stub, nil, nil, testLogger())
	if _, err := c.Download(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession before load", err)
	}

	if err := c.LoadSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	stepBefore := c.Step()
	rc, err := c.Download(context.Background())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "artifact" {
		t.Fatalf("body = %q", body)
	}
	if c.Step() != stepBefore {
		t.Fatalf("download changed step %v -> %v", stepBefore, c.Step())
	}
}
