package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voxsheet/voxsheet-core/internal/backend"
	"github.com/voxsheet/voxsheet-core/internal/bus"
	"github.com/voxsheet/voxsheet-core/internal/eventstore"
	"github.com/voxsheet/voxsheet-core/internal/protocol"
)

// Step is the externally observable workflow position.
type Step int

const (
	StepUpload Step = iota
	StepRecord
	StepEdit
)

func (s Step) String() string {
	switch s {
	case StepUpload:
		return "upload"
	case StepRecord:
		return "record"
	case StepEdit:
		return "edit"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned while a confirm or skip is in flight; the second
	// request is rejected to prevent double submission under latency.
	ErrBusy = errors.New("another transition is in flight")
	// ErrNoSession is returned before LoadSession succeeded.
	ErrNoSession = errors.New("no session loaded")
	// ErrNoDataset is returned for row operations before a dataset is bound.
	ErrNoDataset = errors.New("no dataset bound")
	// ErrNotEditing is returned when confirm/rerecord are requested outside
	// the edit step.
	ErrNotEditing = errors.New("no extraction under review")
	// ErrNotRecording is returned when an extraction arrives outside the
	// record step.
	ErrNotRecording = errors.New("not in the record step")
	// ErrNothingToConfirm enforces the fill gate: at least one field must
	// be filled before a row may be committed.
	ErrNothingToConfirm = errors.New("no fields filled")
)

// Backend is the slice of the collaborator API the controller drives.
type Backend interface {
	GetSession(ctx context.Context, sessionID string) (backend.Session, error)
	ConfirmRow(ctx context.Context, sessionID string, rowNumber int, data backend.RowData, autoAdvance bool) (backend.ConfirmResult, error)
	SkipRow(ctx context.Context, sessionID string) (int, error)
	DownloadDataset(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// Controller is the top-level session state machine: it sequences
// upload -> record -> edit, reconciles server responses into local state,
// and owns the edit buffer and batch cursor for the active extraction.
type Controller struct {
	backend Backend
	store   *eventstore.Store
	bus     *bus.Client
	log     *slog.Logger
	notices *Notices
	metrics *workflowMetrics

	mu            sync.Mutex
	sessionID     string
	session       backend.Session
	step          Step
	buffer        *EditBuffer
	batch         *BatchSequencer
	transcription string
	confidence    float64
	busy          bool
}

// NewController wires the workflow. store and busClient may be nil; the
// controller then runs without an audit trail or bus telemetry.
func NewController(api Backend, store *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Controller {
	c := &Controller{
		backend: api,
		store:   store,
		bus:     busClient,
		log:     log.With(slog.String("component", "workflow")),
		metrics: newWorkflowMetrics(),
	}
	c.notices = NewNotices(func(kind, text string) {
		c.publishNotice(kind, text)
	})
	return c
}

// Notices exposes the banner pair for the control surface.
func (c *Controller) Notices() *Notices {
	return c.notices
}

// LoadSession fetches session state and derives the initial step: Upload
// when no dataset is bound yet, Record otherwise.
func (c *Controller) LoadSession(ctx context.Context, sessionID string) error {
	session, err := c.backend.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			c.log.Warn("session not found", slog.String("session_id", sessionID))
		}
		return err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.session = session
	c.buffer = nil
	c.batch = nil
	c.transcription = ""
	c.confidence = 0
	if session.Dataset != nil {
		c.step = StepRecord
	} else {
		c.step = StepUpload
	}
	step := c.step
	c.mu.Unlock()

	c.log.Info("session loaded",
		slog.String("session_id", sessionID),
		slog.String("step", step.String()))

	if c.store != nil {
		name := ""
		if session.Dataset != nil {
			name = session.Dataset.Name
		}
		if err := c.store.AppendSession(ctx, sessionID, name); err != nil {
			c.log.Warn("audit session write failed", slog.String("error", err.Error()))
		}
		c.appendEvent(ctx, eventstore.TypeSessionLoaded, 0, nil)
	}
	return nil
}

// CompleteUpload binds the dataset and moves to Record. Calling it while a
// dataset is already bound is ignored: upload -> record is one-way and
// happens exactly once.
func (c *Controller) CompleteUpload(descriptor backend.DatasetDescriptor) {
	c.mu.Lock()
	if c.step != StepUpload {
		c.mu.Unlock()
		c.log.Warn("upload completion ignored outside upload step")
		return
	}
	descriptor.CurrentRow = 1
	c.session.Dataset = &descriptor
	c.step = StepRecord
	c.mu.Unlock()

	c.log.Info("dataset bound",
		slog.String("name", descriptor.Name),
		slog.Int("total_rows", descriptor.TotalRows))
	c.notices.Success(fmt.Sprintf("uploaded %s (%d rows)", descriptor.Name, descriptor.TotalRows))

	ctx := context.Background()
	if c.store != nil {
		if err := c.store.AppendSession(ctx, c.sessionID, descriptor.Name); err != nil {
			c.log.Warn("audit session write failed", slog.String("error", err.Error()))
		}
	}
	c.appendEvent(ctx, eventstore.TypeDatasetBound, 0, descriptor)
}

// CompleteRecording consumes an extraction result. Single-row mode seeds
// the edit buffer directly; multi-row mode additionally installs a batch
// cursor so the rows are reviewed one at a time.
func (c *Controller) CompleteRecording(result backend.ExtractionResult) error {
	c.mu.Lock()
	if c.session.Dataset == nil {
		c.mu.Unlock()
		return ErrNoDataset
	}
	if c.step != StepRecord {
		c.mu.Unlock()
		return ErrNotRecording
	}
	headers := c.session.Dataset.Headers
	c.transcription = result.Transcription
	c.confidence = result.Confidence

	if result.IsBatch() {
		c.batch = NewBatchSequencer(result.Batch)
		c.buffer = NewEditBuffer(headers, c.batch.Current().Data)
		batchLen := c.batch.Len()
		c.step = StepEdit
		c.mu.Unlock()

		c.log.Info("batch extraction received", slog.Int("rows", batchLen))
		c.notices.Success(fmt.Sprintf("%d rows extracted", batchLen))
		c.metrics.add(context.Background(), c.metrics.batchesStarted, 1)
		c.appendEvent(context.Background(), eventstore.TypeBatchStarted, result.Batch[0].RowNumber, map[string]int{"rows": batchLen})
		return nil
	}

	c.batch = nil
	c.buffer = NewEditBuffer(headers, result.Single)
	c.step = StepEdit
	c.mu.Unlock()

	c.log.Info("extraction received", slog.Float64("confidence", result.Confidence))
	return nil
}

// Confirm commits the row under review. The target row is the batch
// cursor's row when a batch is active, the dataset pointer otherwise.
// auto_advance is true only for the sole row or the final batch item, so
// mid-batch commits never move the server-side pointer early. Failure
// leaves all cursors untouched; the operator may retry.
func (c *Controller) Confirm(ctx context.Context, edited backend.RowData) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.step != StepEdit || c.buffer == nil {
		c.mu.Unlock()
		return ErrNotEditing
	}
	if edited != nil {
		c.buffer.Replace(edited)
	}
	if !c.buffer.CanConfirm() {
		c.mu.Unlock()
		return ErrNothingToConfirm
	}

	target := c.session.Dataset.CurrentRow
	batchActive := c.batch != nil
	lastItem := !batchActive || c.batch.OnLastItem()
	if batchActive {
		target = c.batch.Current().RowNumber
	}
	data := c.buffer.Values()
	sessionID := c.sessionID
	c.busy = true
	c.mu.Unlock()

	result, err := c.backend.ConfirmRow(ctx, sessionID, target, data, lastItem)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("row confirm failed",
			slog.Int("row", target),
			slog.String("error", err.Error()))
		c.notices.Error(fmt.Sprintf("failed to save row %d", target))
		c.metrics.add(ctx, c.metrics.confirmFailed, 1)
		return err
	}

	c.appendEventLocked(ctx, eventstore.TypeRowConfirmed, target, data)
	c.publishRowSaved(sessionID, target, lastItem, result.NextRow)
	c.metrics.add(ctx, c.metrics.rowsConfirmed, 1)

	if batchActive && c.batch.ConfirmCurrent() == HasMore {
		remaining := c.batch.Remaining()
		c.buffer = NewEditBuffer(c.session.Dataset.Headers, c.batch.Current().Data)
		c.mu.Unlock()

		c.log.Info("batch row saved", slog.Int("row", target), slog.Int("remaining", remaining))
		c.notices.Success(fmt.Sprintf("row %d saved, %d remaining", target, remaining))
		return nil
	}

	saved := 1
	if batchActive {
		saved = c.batch.Len()
	}
	next := c.session.Dataset.CurrentRow + 1
	if result.NextRow != nil {
		next = *result.NextRow
	}
	c.session.Dataset.CurrentRow = next
	c.buffer = nil
	c.batch = nil
	c.step = StepRecord
	c.mu.Unlock()

	c.log.Info("row(s) saved", slog.Int("rows", saved), slog.Int("next_row", next))
	if saved == 1 {
		c.notices.Success(fmt.Sprintf("row %d saved", target))
	} else {
		c.notices.Success(fmt.Sprintf("%d rows saved", saved))
	}
	return nil
}

// Skip asks the server to advance the pointer without writing data. Any
// in-progress batch is abandoned wholesale, exactly like a re-record: the
// underlying extraction is superseded, not walked.
func (c *Controller) Skip(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.session.Dataset == nil {
		c.mu.Unlock()
		return ErrNoDataset
	}
	skipped := c.session.Dataset.CurrentRow
	sessionID := c.sessionID
	c.busy = true
	c.mu.Unlock()

	currentRow, err := c.backend.SkipRow(ctx, sessionID)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("skip failed", slog.String("error", err.Error()))
		c.notices.Error(fmt.Sprintf("failed to skip row %d", skipped))
		return err
	}
	c.session.Dataset.CurrentRow = currentRow
	if c.batch != nil {
		c.batch.Restart()
		c.batch = nil
	}
	c.buffer = nil
	c.step = StepRecord
	c.mu.Unlock()

	c.log.Info("row skipped", slog.Int("row", skipped), slog.Int("current_row", currentRow))
	c.appendEvent(ctx, eventstore.TypeRowSkipped, skipped, nil)
	c.metrics.add(ctx, c.metrics.rowsSkipped, 1)
	return nil
}

// Rerecord discards the edit buffer and any active batch and returns to
// Record without contacting the backend.
func (c *Controller) Rerecord() error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.step != StepEdit {
		c.mu.Unlock()
		return ErrNotEditing
	}
	row := c.session.Dataset.CurrentRow
	if c.batch != nil {
		c.batch.Restart()
		c.batch = nil
	}
	c.buffer = nil
	c.transcription = ""
	c.confidence = 0
	c.step = StepRecord
	c.mu.Unlock()

	c.log.Info("re-record requested", slog.Int("row", row))
	c.appendEvent(context.Background(), eventstore.TypeRerecord, row, nil)
	c.metrics.add(context.Background(), c.metrics.rerecords, 1)
	return nil
}

// Download streams the persisted dataset artifact; it is a pass-through
// and not a state transition.
func (c *Controller) Download(ctx context.Context) (io.ReadCloser, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoSession
	}
	return c.backend.DownloadDataset(ctx, sessionID)
}

// Snapshot is a point-in-time view of the workflow for the control surface.
type Snapshot struct {
	SessionID     string                     `json:"session_id"`
	Step          string                     `json:"step"`
	Dataset       *backend.DatasetDescriptor `json:"dataset,omitempty"`
	Transcription string                     `json:"transcription,omitempty"`
	Confidence    float64                    `json:"confidence,omitempty"`
	Fields        backend.RowData            `json:"fields,omitempty"`
	FilledCount   int                        `json:"filled_count"`
	CanConfirm    bool                       `json:"can_confirm"`
	BatchIndex    int                        `json:"batch_index,omitempty"`
	BatchLen      int                        `json:"batch_len,omitempty"`
	TargetRow     int                        `json:"target_row,omitempty"`
	Success       string                     `json:"success_message,omitempty"`
	Error         string                     `json:"error_message,omitempty"`
}

// Snapshot returns the current externally observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		SessionID:     c.sessionID,
		Step:          c.step.String(),
		Transcription: c.transcription,
		Confidence:    c.confidence,
	}
	if c.session.Dataset != nil {
		descriptor := *c.session.Dataset
		snap.Dataset = &descriptor
		snap.TargetRow = descriptor.CurrentRow
	}
	if c.buffer != nil {
		snap.Fields = c.buffer.Values()
		snap.FilledCount = c.buffer.FilledCount()
		snap.CanConfirm = c.buffer.CanConfirm()
	}
	if c.batch != nil {
		snap.BatchIndex = c.batch.Index()
		snap.BatchLen = c.batch.Len()
		snap.TargetRow = c.batch.Current().RowNumber
	}
	c.mu.Unlock()

	snap.Success, snap.Error = c.notices.Current()
	return snap
}

// SetField applies a single operator edit to the active buffer.
func (c *Controller) SetField(column, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != StepEdit || c.buffer == nil {
		return ErrNotEditing
	}
	c.buffer.SetField(column, value)
	return nil
}

// SessionID returns the loaded session identifier.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Step returns the current workflow step.
func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

func (c *Controller) appendEvent(ctx context.Context, eventType string, row int, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendEventLocked(ctx, eventType, row, payload)
}

func (c *Controller) appendEventLocked(ctx context.Context, eventType string, row int, payload any) {
	if c.store == nil {
		return
	}
	var data []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			c.log.Warn("audit payload marshal failed", slog.String("error", err.Error()))
		} else {
			data = encoded
		}
	}
	evt := eventstore.Event{
		SessionID: c.sessionID,
		RowNumber: row,
		Type:      eventType,
		Payload:   data,
	}
	if err := c.store.AppendEvent(ctx, evt); err != nil {
		c.log.Warn("audit event write failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) publishNotice(kind, text string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishNotice(protocol.Notice{
		SessionID: c.SessionID(),
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Controller) publishRowSaved(sessionID string, row int, autoAdvance bool, nextRow *int) {
	if c.bus == nil {
		return
	}
	saved := protocol.RowSaved{
		SessionID:   sessionID,
		RowNumber:   row,
		AutoAdvance: autoAdvance,
		Timestamp:   time.Now().UTC(),
	}
	if nextRow != nil {
		saved.NextRow = *nextRow
	}
	c.bus.PublishRowSaved(saved)
}
