package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/voxsheet/voxsheet-core/internal/config"
)

// ExecDevice captures audio by spawning an external command (arecord, rec,
// ffmpeg) that streams raw 16-bit PCM on stdout.
type ExecDevice struct {
	cmd []string
}

func NewExecDevice(cfg config.CaptureConfig) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{cmd: args}, nil
}

func (d *ExecDevice) Acquire(ctx context.Context) (Handle, error) {
	command := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	h := &execHandle{cmd: command}
	go h.pump(stdout)
	return h, nil
}

type execHandle struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	pending  []byte
	level    float64
	released bool
	readErr  error
}

// pump copies command output into the pending buffer until the stream ends.
func (h *execHandle) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.mu.Lock()
			h.pending = append(h.pending, buf[:n]...)
			h.level = pcmLevel(buf[:n])
			h.mu.Unlock()
		}
		if err != nil {
			h.mu.Lock()
			if err != io.EOF && !h.released {
				h.readErr = err
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *execHandle) ReadChunk() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readErr != nil {
		err := h.readErr
		h.readErr = nil
		return nil, err
	}
	if len(h.pending) == 0 {
		return nil, nil
	}
	chunk := h.pending
	h.pending = nil
	return chunk, nil
}

func (h *execHandle) Level() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

func (h *execHandle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
	return nil
}
