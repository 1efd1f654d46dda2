package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHLauncher starts a kernel on a remote host over one SSH session. The
// connection info travels in the remote environment via `env`, since most
// servers refuse Setenv requests.
type SSHLauncher struct {
	Target          SSHTarget
	Timeout         time.Duration
	StderrTailBytes int
}

func (l SSHLauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	client, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	tail := newTailBuffer(l.StderrTailBytes)
	sess.Stderr = tail

	if err := sess.Start(remoteCommand(req)); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh start: %w", err)
	}

	p := &sshProcess{
		client: client,
		sess:   sess,
		stdin:  stdin,
		stdout: io.NopCloser(stdout),
		tail:   tail,
		done:   make(chan struct{}),
	}
	go func() {
		_ = sess.Wait()
		close(p.done)
	}()
	return p, nil
}

type sshProcess struct {
	client    *ssh.Client
	sess      *ssh.Session
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	tail      *tailBuffer
	done      chan struct{}
	closeOnce sync.Once
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *sshProcess) PID() int              { return 0 }
func (p *sshProcess) Done() <-chan struct{} { return p.done }
func (p *sshProcess) StderrTail() string    { return p.tail.String() }

// Stop signals the remote command, then tears down the SSH connection,
// which ends the remote session whether or not the server honours signals.
func (p *sshProcess) Stop(grace time.Duration) {
	p.closeOnce.Do(func() {
		if grace > 0 {
			_ = p.sess.Signal(ssh.SIGTERM)
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
			}
		}
		_ = p.sess.Signal(ssh.SIGKILL)
		_ = p.sess.Close()
		_ = p.client.Close()
		<-p.done
	})
}

// dial connects and authenticates to the kernel host. The handshake is
// bounded by ctx as well as the launcher timeout.
func (l SSHLauncher) dial(ctx context.Context) (*ssh.Client, error) {
	addr, err := l.address()
	if err != nil {
		return nil, err
	}
	cfg, err := l.clientConfig()
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: l.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s@%s: %w", cfg.User, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// address is host:port for the target; a bare host gets port 22.
func (l SSHLauncher) address() (string, error) {
	host := strings.TrimSpace(l.Target.Host)
	switch {
	case host == "":
		return "", fmt.Errorf("%w: ssh target has no host", ErrInvalidSpec)
	case l.Target.Port != "":
		return net.JoinHostPort(host, l.Target.Port), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

// clientConfig authenticates with the target's private key and checks the
// host key against known_hosts unless the target opts out.
func (l SSHLauncher) clientConfig() (*ssh.ClientConfig, error) {
	t := l.Target
	if t.User == "" {
		return nil, fmt.Errorf("%w: ssh target %s has no user", ErrInvalidSpec, t.Host)
	}
	if t.KeyPath == "" {
		return nil, fmt.Errorf("%w: ssh target %s has no key path", ErrInvalidSpec, t.Host)
	}
	pem, err := os.ReadFile(t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh key for %s: %w", t.Host, err)
	}
	key, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("ssh key %s: %w", t.KeyPath, err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if !t.InsecureSkipHostKeyChecking {
		if hostKeys, err = knownHosts(t.KnownHostsPath); err != nil {
			return nil, err
		}
	}
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: hostKeys,
		Timeout:         l.Timeout,
	}, nil
}

// knownHosts loads path, defaulting to ~/.ssh/known_hosts.
func knownHosts(path string) (ssh.HostKeyCallback, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("ssh known_hosts: no path set and no home dir: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("ssh known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// remoteCommand renders req as one shell line: `env K=V... argv...`,
// prefixed with a cd when the spec names a directory.
func remoteCommand(req LaunchRequest) string {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	words := make([]string, 0, 1+len(keys)+len(req.Argv))
	words = append(words, quote("env"))
	for _, k := range keys {
		words = append(words, quote(k+"="+req.Env[k]))
	}
	for _, arg := range req.Argv {
		words = append(words, quote(arg))
	}
	line := strings.Join(words, " ")
	if req.Dir != "" {
		line = "cd " + quote(req.Dir) + " && " + line
	}
	return line
}

// quote single-quotes v for a POSIX shell.
func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}
