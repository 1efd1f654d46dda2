package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/kernelctl/internal/protocol"
)

const (
	// ConnectionFilePlaceholder in argv is replaced with the connection file path.
	ConnectionFilePlaceholder = "{connection_file}"
	// EnvConnection carries the connection info JSON to every kernel.
	EnvConnection = "KERNELCTL_CONNECTION"
)

// Spec describes how to launch one kernel.
type Spec struct {
	KernelName string            `json:"-"`
	Argv       []string          `json:"argv"`
	Env        map[string]string `json:"env,omitempty"`
	Transport  string            `json:"transport,omitempty"`
	Dir        string            `json:"dir,omitempty"`
	SSH        *SSHTarget        `json:"ssh,omitempty"`
}

// SSHTarget launches the kernel on a remote host.
type SSHTarget struct {
	Host                        string `json:"host"`
	Port                        string `json:"port,omitempty"`
	User                        string `json:"user"`
	KeyPath                     string `json:"key_path"`
	KnownHostsPath              string `json:"known_hosts_path,omitempty"`
	InsecureSkipHostKeyChecking bool   `json:"insecure_skip_host_key_checking,omitempty"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.KernelName) == "" {
		return fmt.Errorf("%w: missing kernel name", ErrInvalidSpec)
	}
	if len(s.Argv) == 0 || strings.TrimSpace(s.Argv[0]) == "" {
		return fmt.Errorf("%w: %s: missing argv", ErrInvalidSpec, s.KernelName)
	}
	if _, err := protocol.NormalizeTransport(s.Transport); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSpec, s.KernelName, err)
	}
	if s.SSH != nil {
		for _, arg := range s.Argv {
			if strings.Contains(arg, ConnectionFilePlaceholder) {
				return fmt.Errorf("%w: %s: ssh kernels read %s, not a connection file",
					ErrInvalidSpec, s.KernelName, EnvConnection)
			}
		}
	}
	return nil
}

// ConnectionInfo is handed to the kernel at launch.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	Session         string `json:"session"`
	KernelName      string `json:"kernel_name"`
}

func (c ConnectionInfo) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// expandArgv substitutes the connection file path into argv.
func expandArgv(argv []string, connectionFile string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, ConnectionFilePlaceholder, connectionFile)
	}
	return out
}
