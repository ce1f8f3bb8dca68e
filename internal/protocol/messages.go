package protocol

import "time"

// CaptureLevel carries the live input amplitude sampled during a recording.
// Levels are feedback only and never become part of the finalized payload.
type CaptureLevel struct {
	SessionID string    `json:"session_id"`
	CaptureID string    `json:"capture_id"`
	Level     float64   `json:"level"` // normalized to [0,1]
	ElapsedS  int       `json:"elapsed_s"`
	Timestamp time.Time `json:"timestamp"`
}

// Notice is a transient operator-facing status message.
type Notice struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // success, error
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RowSaved announces a confirmed row commit.
type RowSaved struct {
	SessionID   string    `json:"session_id"`
	RowNumber   int       `json:"row_number"`
	AutoAdvance bool      `json:"auto_advance"`
	NextRow     int       `json:"next_row,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectCaptureLevelPrefix = "capture.level"
	SubjectNoticePrefix       = "workflow.notice"
	SubjectRowSaved           = "workflow.row.saved"
)
