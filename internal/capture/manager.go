package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxsheet/voxsheet-core/internal/config"
)

// State describes the manager's position in the recording lifecycle.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Recording is one finalized capture payload.
type Recording struct {
	ID         string
	WAV        []byte
	SampleRate int
	Channels   int
	ElapsedS   int
}

// Callbacks deliver capture progress to the owner. All fields are optional.
type Callbacks struct {
	// OnLevel receives amplitude samples in [0,1] plus elapsed whole seconds.
	OnLevel func(level float64, elapsedS int)
	// OnComplete receives the finalized payload after a successful Stop.
	OnComplete func(Recording)
	// OnError receives device acquisition and read failures.
	OnError func(err error)
}

// Manager owns the lifecycle of one recording at a time: acquire the device,
// accumulate chunks, sample levels for live feedback, and guarantee the
// device is released on every exit path.
type Manager struct {
	cfg    config.CaptureConfig
	device Device
	log    *slog.Logger
	cb     Callbacks

	mu        sync.Mutex
	state     State
	handle    Handle
	released  bool
	chunks    [][]byte
	captureID string
	elapsedS  int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(cfg config.CaptureConfig, device Device, log *slog.Logger, cb Callbacks) *Manager {
	return &Manager{
		cfg:    cfg,
		device: device,
		log:    log.With(slog.String("component", "capture")),
		cb:     cb,
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CaptureID reports the identifier of the active or most recent capture.
func (m *Manager) CaptureID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureID
}

// Start acquires the device and begins buffering. It fails with
// ErrAlreadyCapturing when a capture is active and with ErrDeviceUnavailable
// when the device cannot be acquired; in both cases state is unchanged.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyCapturing
	}
	m.mu.Unlock()

	handle, err := m.device.Acquire(ctx)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		m.log.Warn("device acquisition failed", slog.String("error", err.Error()))
		m.reportError(wrapped)
		return wrapped
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.state != StateIdle {
		// A concurrent Start won the race while we were acquiring.
		m.mu.Unlock()
		cancel()
		_ = handle.Release()
		return ErrAlreadyCapturing
	}
	m.state = StateCapturing
	m.handle = handle
	m.released = false
	m.chunks = nil
	m.elapsedS = 0
	m.captureID = uuid.NewString()
	m.cancel = cancel
	id := m.captureID
	m.mu.Unlock()

	m.log.Info("capture started", slog.String("capture_id", id))

	m.wg.Add(2)
	go m.runChunkPump(loopCtx, handle)
	go m.runLevelSampler(loopCtx, handle)

	return nil
}

// runChunkPump accumulates PCM chunks at the configured interval.
func (m *Manager) runChunkPump(ctx context.Context, handle Handle) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.ChunkIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk, err := handle.ReadChunk()
			if err != nil {
				m.log.Warn("chunk read failed", slog.String("error", err.Error()))
				m.reportError(err)
				continue
			}
			if len(chunk) == 0 {
				continue
			}
			m.mu.Lock()
			if m.state == StateCapturing {
				m.chunks = append(m.chunks, chunk)
			}
			m.mu.Unlock()
		}
	}
}

// runLevelSampler reads the input amplitude for live feedback and counts
// elapsed seconds. It must stop on every exit from Capturing.
func (m *Manager) runLevelSampler(ctx context.Context, handle Handle) {
	defer m.wg.Done()
	levels := time.NewTicker(time.Duration(m.cfg.LevelIntervalMS) * time.Millisecond)
	defer levels.Stop()
	seconds := time.NewTicker(time.Second)
	defer seconds.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-seconds.C:
			m.mu.Lock()
			m.elapsedS++
			m.mu.Unlock()
		case <-levels.C:
			level := handle.Level()
			if level < 0 {
				level = 0
			} else if level > 1 {
				level = 1
			}
			m.mu.Lock()
			elapsed := m.elapsedS
			m.mu.Unlock()
			if m.cb.OnLevel != nil {
				m.cb.OnLevel(level, elapsed)
			}
		}
	}
}

// Stop finalizes the active capture: halts the sampling loops, releases the
// device, concatenates buffered chunks into one WAV payload, and returns to
// Idle. Calling Stop in any other state is a no-op returning (nil, nil).
func (m *Manager) Stop() (*Recording, error) {
	m.mu.Lock()
	if m.state != StateCapturing {
		m.mu.Unlock()
		return nil, nil
	}
	m.state = StateFinalizing
	cancel := m.cancel
	handle := m.handle
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	// Drain whatever arrived between the last tick and cancellation.
	if tail, err := handle.ReadChunk(); err == nil && len(tail) > 0 {
		m.mu.Lock()
		m.chunks = append(m.chunks, tail)
		m.mu.Unlock()
	}

	m.releaseHandle()

	m.mu.Lock()
	var size int
	for _, c := range m.chunks {
		size += len(c)
	}
	pcm := make([]byte, 0, size)
	for _, c := range m.chunks {
		pcm = append(pcm, c...)
	}
	m.chunks = nil
	rec := Recording{
		ID:         m.captureID,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		ElapsedS:   m.elapsedS,
	}
	m.state = StateIdle
	m.mu.Unlock()

	wav, err := encodeWAV(pcm, m.cfg.SampleRate, m.cfg.Channels)
	if err != nil {
		m.log.Error("wav finalize failed", slog.String("error", err.Error()))
		m.reportError(err)
		return nil, err
	}
	rec.WAV = wav

	m.log.Info("capture finalized",
		slog.String("capture_id", rec.ID),
		slog.Int("bytes", len(rec.WAV)),
		slog.Int("elapsed_s", rec.ElapsedS))

	if m.cb.OnComplete != nil {
		m.cb.OnComplete(rec)
	}
	return &rec, nil
}

// Teardown forcibly releases the device and cancels the sampling loops from
// any state. It is idempotent: calling it twice, or after a normal Stop,
// never double-releases.
func (m *Manager) Teardown() {
	m.mu.Lock()
	cancel := m.cancel
	active := m.state != StateIdle
	m.state = StateIdle
	m.chunks = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.releaseHandle()

	if active {
		m.log.Info("capture torn down")
	}
}

func (m *Manager) releaseHandle() {
	m.mu.Lock()
	handle := m.handle
	done := m.released
	m.released = true
	m.mu.Unlock()

	if handle == nil || done {
		return
	}
	if err := handle.Release(); err != nil {
		m.log.Warn("device release failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) reportError(err error) {
	if m.cb.OnError != nil {
		m.cb.OnError(err)
	}
}
