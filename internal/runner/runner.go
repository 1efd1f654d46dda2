package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/kernelctl/internal/catalog"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/schema"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds one feature test, startup included.
const DefaultTimeout = 2 * time.Second

// Session is the part of a protocol session the runner drives.
type Session interface {
	Exchange(ctx context.Context, req protocol.Request) (*protocol.Reply, error)
	PID() int
	Close()
}

// Opener starts a fresh session for spec.
type Opener func(ctx context.Context, spec session.Spec) (Session, error)

// ManagerOpener opens sessions through m.
func ManagerOpener(m *session.Manager) Opener {
	return func(ctx context.Context, spec session.Spec) (Session, error) {
		s, err := m.Open(ctx, spec)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Target is a kernel with its resolved launch spec.
type Target struct {
	Name string
	Spec session.Spec
}

// Result is the classified outcome of one test.
type Result struct {
	Outcome    report.Outcome
	Diagnostic string
	Duration   time.Duration
	PID        int
}

// HarnessFault is a failure not attributable to the kernel under test. It
// aborts only its own unit of work.
type HarnessFault struct {
	Kernel  string
	Feature string
	Err     error
}

func (e *HarnessFault) Error() string {
	return fmt.Sprintf("harness fault: %s/%s: %v", e.Kernel, e.Feature, e.Err)
}

func (e *HarnessFault) Unwrap() error { return e.Err }

type Runner struct {
	open    Opener
	timeout time.Duration
}

func New(open Opener, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{open: open, timeout: timeout}
}

func (r *Runner) Timeout() time.Duration { return r.timeout }

// Run tests feature against a fresh instance of target. Kernel failures of
// any kind come back as a Result; only harness faults are returned as
// *HarnessFault.
func (r *Runner) Run(ctx context.Context, target Target, feature catalog.Feature) (res Result, err error) {
	start := time.Now()
	fault := func(cause error) (Result, error) {
		return Result{Duration: time.Since(start)}, &HarnessFault{Kernel: target.Name, Feature: feature.Name, Err: cause}
	}
	if feature.Err != nil {
		return fault(feature.Err)
	}
	if err := ctx.Err(); err != nil {
		return fault(err)
	}

	deadline, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("kernel", target.Name).
				Str("feature", feature.Name).
				Interface("panic", p).
				Msg("runner recovered panic")
			res = Result{Outcome: report.ProtocolError, Diagnostic: fmt.Sprintf("panic: %v", p), PID: res.PID}
			err = nil
		}
		res.Duration = time.Since(start)
	}()

	sess, err := r.open(deadline, target.Spec)
	if err != nil {
		return r.classify(ctx, target, feature, Result{}, err)
	}
	defer sess.Close()
	res.PID = sess.PID()

	reply, err := sess.Exchange(deadline, feature.Request)
	if err != nil {
		return r.classify(ctx, target, feature, res, err)
	}
	instance, err := reply.Instance()
	if err != nil {
		res.Outcome = report.ProtocolError
		res.Diagnostic = err.Error()
		return res, nil
	}
	if err := schema.Validate(instance, feature.Schema); err != nil {
		res.Outcome = report.ProtocolError
		res.Diagnostic = err.Error()
		return res, nil
	}
	res.Outcome = report.OK
	return res, nil
}

func (r *Runner) classify(parent context.Context, target Target, feature catalog.Feature, res Result, err error) (Result, error) {
	switch {
	case errors.Is(err, session.ErrHarness):
		return res, &HarnessFault{Kernel: target.Name, Feature: feature.Name, Err: err}
	case parent.Err() != nil:
		return res, &HarnessFault{Kernel: target.Name, Feature: feature.Name, Err: parent.Err()}
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		res.Outcome = report.Timeout
		res.Diagnostic = fmt.Sprintf("no reply within %s", r.timeout)
		return res, nil
	}

	var startErr *session.StartupError
	if errors.As(err, &startErr) {
		log.Warn().
			Err(err).
			Str("kernel", target.Name).
			Str("kernel_name", startErr.Kernel).
			Str("feature", feature.Name).
			Msg("runner kernel startup failed")
	}
	res.Outcome = report.ProtocolError
	res.Diagnostic = err.Error()
	return res, nil
}
