package session

import (
	"context"
	"io"
	"sync"
	"time"
)

// Process is one launched kernel instance.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// PID is the local process id, or 0 when the kernel is not local.
	PID() int
	// Stop terminates the kernel, waiting up to grace before killing it,
	// and returns once the process is gone.
	Stop(grace time.Duration)
	Done() <-chan struct{}
	StderrTail() string
}

// LaunchRequest is the fully expanded launch of one kernel.
type LaunchRequest struct {
	Kernel string
	Argv   []string
	Env    map[string]string
	Dir    string
}

// Launcher starts kernel processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
