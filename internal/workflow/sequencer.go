package workflow

import "github.com/voxsheet/voxsheet-core/internal/backend"

// Advance is the outcome of disposing of the current batch item.
type Advance int

const (
	HasMore Advance = iota
	Exhausted
)

// BatchSequencer walks an ordered sequence of extracted rows one at a time
// for independent confirmation. The caller guarantees length >= 2; a
// one-element extraction never reaches a sequencer.
type BatchSequencer struct {
	rows  []backend.BatchRow
	index int
}

func NewBatchSequencer(rows []backend.BatchRow) *BatchSequencer {
	return &BatchSequencer{rows: rows}
}

// Current returns the row under the cursor.
func (s *BatchSequencer) Current() backend.BatchRow {
	return s.rows[s.index]
}

// ConfirmCurrent marks the active row as disposed of. It advances the
// cursor and reports HasMore, or reports Exhausted on the final item, at
// which point session advancement is the controller's business again.
func (s *BatchSequencer) ConfirmCurrent() Advance {
	if s.index < len(s.rows)-1 {
		s.index++
		return HasMore
	}
	return Exhausted
}

// Restart abandons the entire remaining batch: a re-record produces a fresh
// extraction that supersedes this one wholesale. Partial-batch re-record is
// deliberately unsupported.
func (s *BatchSequencer) Restart() {
	s.index = 0
	s.rows = nil
}

// Abandoned reports whether the batch was discarded via Restart.
func (s *BatchSequencer) Abandoned() bool {
	return s.rows == nil
}

// OnLastItem reports whether the cursor sits on the final row.
func (s *BatchSequencer) OnLastItem() bool {
	return s.index == len(s.rows)-1
}

// Index returns the zero-based cursor position.
func (s *BatchSequencer) Index() int {
	return s.index
}

// Len returns the batch length.
func (s *BatchSequencer) Len() int {
	return len(s.rows)
}

// Remaining counts rows not yet disposed of, including the current one.
func (s *BatchSequencer) Remaining() int {
	if s.rows == nil {
		return 0
	}
	return len(s.rows) - s.index
}
