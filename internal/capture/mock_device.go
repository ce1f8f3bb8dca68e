package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/voxsheet/voxsheet-core/internal/config"
)

// MockDevice produces a synthetic sine tone so the full capture path can run
// without hardware.
type MockDevice struct {
	sampleRate int
	channels   int
	chunkMS    int
}

func NewMockDevice(cfg config.CaptureConfig) *MockDevice {
	return &MockDevice{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		chunkMS:    cfg.ChunkIntervalMS,
	}
}

func (d *MockDevice) Acquire(_ context.Context) (Handle, error) {
	return &mockHandle{
		sampleRate: d.sampleRate,
		channels:   d.channels,
		chunkMS:    d.chunkMS,
	}, nil
}

type mockHandle struct {
	sampleRate int
	channels   int
	chunkMS    int

	mu       sync.Mutex
	phase    float64
	released bool
}

func (h *mockHandle) ReadChunk() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, nil
	}

	samples := h.sampleRate * h.chunkMS / 1000 * h.channels
	chunk := make([]byte, samples*2)
	step := 2 * math.Pi * 440 / float64(h.sampleRate)
	for i := 0; i < samples; i++ {
		value := int16(math.Sin(h.phase) * 8192)
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(value))
		h.phase += step
	}
	return chunk, nil
}

func (h *mockHandle) Level() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0
	}
	// Mean absolute value of a sine at amplitude 8192/32768.
	return 8192.0 / 32768.0 * 2 / math.Pi
}

func (h *mockHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return nil
}
