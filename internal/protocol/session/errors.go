package session

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no reply arrived before the exchange deadline.
	ErrTimeout = errors.New("session: timed out waiting for reply")
	// ErrHarness marks failures on the harness side of the boundary
	// (invalid spec, connection file I/O). Not attributable to the kernel.
	ErrHarness = errors.New("session: harness failure")

	ErrChannelClosed = errors.New("session: kernel closed channel")
	ErrExchangeUsed  = errors.New("session: exchange already performed")
	ErrInvalidSpec   = fmt.Errorf("%w: invalid kernel spec", ErrHarness)
)

// StartupError means the kernel process or its channel could not be
// established.
type StartupError struct {
	Kernel string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("session: start kernel %s: %v", e.Kernel, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ChannelError is a transport-level failure during an exchange.
type ChannelError struct {
	Op     string
	Err    error
	Stderr string
}

func (e *ChannelError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session: %s: %v (stderr: %s)", e.Op, e.Err, e.Stderr)
}

func (e *ChannelError) Unwrap() error { return e.Err }
