package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager opens sessions. Safe for concurrent use; sessions share nothing.
type Manager struct {
	cfg Config
	// Local overrides the launcher used for kernels without an SSH target.
	Local Launcher
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		cfg: cfg,
		Local: LocalLauncher{
			WaitDelay:       cfg.WaitDelay,
			StderrTailBytes: cfg.StderrTailBytes,
		},
	}
}

func (m *Manager) launcher(spec Spec) Launcher {
	if spec.SSH != nil {
		return SSHLauncher{
			Target:          *spec.SSH,
			Timeout:         m.cfg.DialTimeout,
			StderrTailBytes: m.cfg.StderrTailBytes,
		}
	}
	return m.Local
}

// Open launches a fresh kernel for spec. Launch failures are returned as
// *StartupError; spec and connection file problems wrap ErrHarness.
func (m *Manager) Open(ctx context.Context, spec Spec) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	transport, _ := protocol.NormalizeTransport(spec.Transport)

	info := ConnectionInfo{
		Transport:       transport,
		Key:             uuid.NewString(),
		SignatureScheme: protocol.SignatureScheme,
		Session:         uuid.NewString(),
		KernelName:      spec.KernelName,
	}
	infoJSON, err := info.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: connection info: %v", ErrHarness, err)
	}

	dir, err := os.MkdirTemp("", "kernelctl-")
	if err != nil {
		return nil, fmt.Errorf("%w: connection dir: %v", ErrHarness, err)
	}
	connectionFile := filepath.Join(dir, "kernel-"+info.Session+".json")
	if err := os.WriteFile(connectionFile, infoJSON, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: connection file: %v", ErrHarness, err)
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[EnvConnection] = string(infoJSON)

	req := LaunchRequest{
		Kernel: spec.KernelName,
		Argv:   expandArgv(spec.Argv, connectionFile),
		Env:    env,
		Dir:    spec.Dir,
	}
	log.Debug().
		Str("kernel", spec.KernelName).
		Str("argv", strings.Join(req.Argv, " ")).
		Str("transport", transport).
		Msg("session launch")

	proc, err := m.launcher(spec).Launch(ctx, req)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &StartupError{Kernel: spec.KernelName, Err: err}
	}

	codec, err := protocol.NewCodec(transport, proc.Stdout(), proc.Stdin(), m.cfg.MaxMessageBytes)
	if err != nil {
		proc.Stop(0)
		_ = os.RemoveAll(dir)
		return nil, &StartupError{Kernel: spec.KernelName, Err: err}
	}

	return &Session{
		cfg:    m.cfg,
		kernel: spec.KernelName,
		id:     info.Session,
		signer: protocol.NewSigner(info.Key),
		proc:   proc,
		codec:  codec,
		dir:    dir,
	}, nil
}

// Session is one kernel process and its channel. One exchange per session.
type Session struct {
	cfg    Config
	kernel string
	id     string
	signer protocol.Signer
	proc   Process
	codec  protocol.Codec
	dir    string

	used      atomic.Bool
	expired   atomic.Bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func (s *Session) ID() string     { return s.id }
func (s *Session) PID() int       { return s.proc.PID() }
func (s *Session) Kernel() string { return s.kernel }

type exchangeResult struct {
	reply *protocol.Reply
	err   error
}

// Exchange sends req and waits for the first shell-channel reply. The wait
// is bounded by ctx: a deadline yields ErrTimeout, cancellation yields the
// context error. Transport failures are returned as *ChannelError.
func (s *Session) Exchange(ctx context.Context, req protocol.Request) (*protocol.Reply, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrExchangeUsed
	}
	env, header, err := protocol.NewEnvelope(s.id, s.cfg.Username, req)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrHarness, err)
	}
	s.signer.Sign(&env)

	done := make(chan exchangeResult, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		reply, err := s.roundTrip(env, header)
		done <- exchangeResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		// Prefer a reply that raced the deadline.
		select {
		case res := <-done:
			return res.reply, res.err
		default:
		}
		s.expired.Store(true)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (s *Session) roundTrip(env protocol.Envelope, header protocol.Header) (*protocol.Reply, error) {
	if err := s.codec.WriteMessage(env); err != nil {
		return nil, s.channelError("send", err)
	}
	for {
		in, raw, err := s.codec.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrChannelClosed
			}
			return nil, s.channelError("receive", err)
		}
		if err := s.signer.Verify(in); err != nil {
			return nil, s.channelError("verify", err)
		}
		if in.Channel != "" && in.Channel != protocol.ChannelShell {
			log.Debug().
				Str("kernel", s.kernel).
				Str("channel", in.Channel).
				Str("parent", header.MsgID).
				Msg("session skip non-shell message")
			continue
		}
		return &protocol.Reply{Envelope: in, Raw: raw}, nil
	}
}

// stderrSettle bounds how long a failed exchange waits for an exiting
// kernel so its last stderr lines land in the error.
const stderrSettle = 250 * time.Millisecond

func (s *Session) channelError(op string, err error) error {
	timer := time.NewTimer(stderrSettle)
	defer timer.Stop()
	select {
	case <-s.proc.Done():
	case <-timer.C:
	}
	return &ChannelError{Op: op, Err: err, Stderr: strings.TrimSpace(s.proc.StderrTail())}
}

// Close tears the kernel down and releases the channel. Safe to call more
// than once; never fails. After a timed-out exchange the kernel is killed
// without a grace period.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		grace := s.cfg.GracePeriod
		if s.expired.Load() {
			grace = 0
		}
		_ = s.proc.Stdin().Close()
		s.proc.Stop(grace)
		_ = s.proc.Stdout().Close()
		s.inflight.Wait()
		if err := os.RemoveAll(s.dir); err != nil {
			log.Debug().Err(err).Str("kernel", s.kernel).Msg("session remove connection dir")
		}
		log.Debug().Str("kernel", s.kernel).Int("pid", s.PID()).Msg("session closed")
	})
}
