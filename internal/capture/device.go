package capture

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable is returned when the input device cannot be
	// acquired (missing, busy, or permission denied).
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	// ErrAlreadyCapturing is returned when Start is called while a capture
	// is active on the same manager.
	ErrAlreadyCapturing = errors.New("capture already in progress")
)

// Handle is an acquired audio input device. Exactly one handle is live per
// manager; Release must be safe to call once per acquisition.
type Handle interface {
	// ReadChunk returns the PCM bytes accumulated since the previous call.
	// An empty slice is valid when no audio arrived in the interval.
	ReadChunk() ([]byte, error)
	// Level reports the current input amplitude normalized to [0,1].
	Level() float64
	Release() error
}

// Device abstracts the host audio input so the manager is testable without
// real hardware.
type Device interface {
	Acquire(ctx context.Context) (Handle, error)
}
