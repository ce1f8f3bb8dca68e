package backend

import "errors"

// Error kinds surfaced by the collaborator API. Call sites classify by
// errors.Is and turn every one of these into a retryable operator message.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidFormat   = errors.New("uploaded file is not a tabular dataset")
	ErrExtraction      = errors.New("audio extraction failed")
	ErrPersist         = errors.New("row persistence failed")
)

// RowData maps column names to extracted or edited values. A nil pointer
// means "not recognized"; an empty string is a deliberate operator edit and
// the two are not interchangeable.
type RowData map[string]*string

// Clone returns an independent copy so edits never mutate the source result.
func (d RowData) Clone() RowData {
	if d == nil {
		return nil
	}
	out := make(RowData, len(d))
	for k, v := range d {
		if v == nil {
			out[k] = nil
			continue
		}
		value := *v
		out[k] = &value
	}
	return out
}

// SessionSettings mirror the server-side per-session options.
type SessionSettings struct {
	Language    string `json:"language"`
	AutoAdvance bool   `json:"auto_advance"`
}

// DatasetDescriptor describes the bound spreadsheet. Header order defines
// column identity. CurrentRow is 1-indexed; total_rows+1 signals completion.
type DatasetDescriptor struct {
	Name       string   `json:"original_name"`
	Headers    []string `json:"headers"`
	TotalRows  int      `json:"total_rows"`
	CurrentRow int      `json:"current_row"`
}

// Session is one operator's end-to-end data-entry run.
type Session struct {
	ID       string             `json:"session_id"`
	Status   string             `json:"status"`
	Dataset  *DatasetDescriptor `json:"excel_file"`
	Settings SessionSettings    `json:"settings"`
}

// BatchRow is one candidate row within a multi-row extraction.
type BatchRow struct {
	RowNumber int     `json:"row_number"`
	Data      RowData `json:"extracted_data"`
}

// ExtractionResult is the outcome of processing one recording. Exactly one
// of Single or Batch is populated: Single for a one-row extraction, Batch
// (always length >= 2 after normalization) when one recording yielded
// several candidate rows.
type ExtractionResult struct {
	Transcription string
	Confidence    float64
	Single        RowData
	Batch         []BatchRow
}

// IsBatch reports whether the result carries multiple candidate rows.
func (r ExtractionResult) IsBatch() bool {
	return len(r.Batch) >= 2
}

// ConfirmResult is the server's answer to a row commit.
type ConfirmResult struct {
	Status  string `json:"status"`
	NextRow *int   `json:"next_row"`
}

// CreatedSession is the server's answer to session creation.
type CreatedSession struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}
