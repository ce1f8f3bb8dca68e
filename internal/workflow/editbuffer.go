package workflow

import "github.com/voxsheet/voxsheet-core/internal/backend"

// EditBuffer is the operator's mutable copy of one row's extracted fields.
// It is seeded from an extraction result, edited in place, and discarded
// after confirm, skip, or re-record. Edits never reach the source result.
type EditBuffer struct {
	headers []string
	values  backend.RowData
}

// NewEditBuffer seeds a buffer from an extraction row. Columns the
// extraction did not mention are present with a nil value.
func NewEditBuffer(headers []string, seed backend.RowData) *EditBuffer {
	values := make(backend.RowData, len(headers))
	for _, h := range headers {
		values[h] = nil
	}
	for k, v := range seed.Clone() {
		values[k] = v
	}
	return &EditBuffer{
		headers: append([]string(nil), headers...),
		values:  values,
	}
}

// SetField stores the operator's input exactly as typed. An empty string is
// a deliberate edit and is kept distinct from nil ("never recognized");
// it only counts as unfilled for confirm gating.
func (b *EditBuffer) SetField(column, value string) {
	v := value
	b.values[column] = &v
}

// ClearField resets a column back to the unset state.
func (b *EditBuffer) ClearField(column string) {
	b.values[column] = nil
}

// Field returns the current value pointer for a column; nil means unset.
func (b *EditBuffer) Field(column string) *string {
	return b.values[column]
}

// Replace swaps in a full set of edited values, for callers that collected
// edits externally and hand them over at confirm time.
func (b *EditBuffer) Replace(edited backend.RowData) {
	for _, h := range b.headers {
		if v, ok := edited[h]; ok {
			if v == nil {
				b.values[h] = nil
			} else {
				value := *v
				b.values[h] = &value
			}
		}
	}
}

// FilledCount reports columns that are non-nil and non-empty.
func (b *EditBuffer) FilledCount() int {
	count := 0
	for _, h := range b.headers {
		if v := b.values[h]; v != nil && *v != "" {
			count++
		}
	}
	return count
}

// CanConfirm gates commit: at least one field must be filled.
func (b *EditBuffer) CanConfirm() bool {
	return b.FilledCount() > 0
}

// Headers returns the column order the buffer was seeded with.
func (b *EditBuffer) Headers() []string {
	return append([]string(nil), b.headers...)
}

// Values returns an independent copy of the current edits.
func (b *EditBuffer) Values() backend.RowData {
	return b.values.Clone()
}
