package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// LocalLauncher starts kernels as child processes in their own process
// group so teardown reaches anything the kernel spawned.
type LocalLauncher struct {
	WaitDelay       time.Duration
	StderrTailBytes int
}

func (l LocalLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	cmd.WaitDelay = l.WaitDelay
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain os.Pipe keeps Wait from closing the read side while a reply
	// is still buffered in it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	tail := newTailBuffer(l.StderrTailBytes)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	_ = stdoutW.Close()

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		tail:   tail,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	tail   *tailBuffer
	done   chan struct{}
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *localProcess) PID() int              { return p.cmd.Process.Pid }
func (p *localProcess) Done() <-chan struct{} { return p.done }
func (p *localProcess) StderrTail() string    { return p.tail.String() }

// Stop sends SIGTERM to the process group, then SIGKILL after grace.
func (p *localProcess) Stop(grace time.Duration) {
	select {
	case <-p.done:
		// The leader is gone; reap anything it left in the group.
		_ = signalGroup(p.cmd.Process, syscall.SIGKILL)
		return
	default:
	}
	if grace > 0 {
		_ = signalGroup(p.cmd.Process, syscall.SIGTERM)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}
	}
	_ = signalGroup(p.cmd.Process, syscall.SIGKILL)
	<-p.done
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string{}, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func ignoreProcessDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
