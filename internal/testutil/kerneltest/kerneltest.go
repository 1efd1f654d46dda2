// Package kerneltest builds the mock kernel and lays out catalog fixtures
// for integration tests.
package kerneltest

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/danmuck/kernelctl/internal/protocol/session"
)

// Mock kernel behaviours understood by testdata/mock-kernel.
const (
	ModeEcho      = "echo"
	ModeHang      = "hang"
	ModeBroken    = "broken"
	ModeCrash     = "crash"
	ModeStderr    = "stderr"
	ModeGarbage   = "garbage"
	ModeBanner    = "banner"
	ModeIOPub     = "iopub"
	ModeBadSig    = "badsig"
	ModeSlowStart = "slow-start"
)

// KernelInfoSchema accepts the mock kernel's echo reply.
const KernelInfoSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["header", "content"],
  "properties": {
    "header": {
      "type": "object",
      "required": ["msg_type"],
      "properties": {"msg_type": {"const": "kernel_info_reply"}}
    },
    "content": {
      "type": "object",
      "required": ["status", "pid"],
      "properties": {
        "status": {"const": "ok"},
        "pid": {"type": "integer"}
      }
    }
  }
}`

// KernelInfoRequest is a provided.json body matching KernelInfoSchema.
const KernelInfoRequest = `{"header": {"msg_type": "kernel_info_request"}, "content": {}}`

var (
	buildOnce  sync.Once
	binaryPath string
	errBuild   error
)

func build() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		errBuild = fmt.Errorf("locate kerneltest source")
		return
	}
	dir, err := os.MkdirTemp("", "mock-kernel-*")
	if err != nil {
		errBuild = fmt.Errorf("tmpdir: %w", err)
		return
	}
	binaryPath = filepath.Join(dir, "mock-kernel")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./testdata/mock-kernel/main.go")
	cmd.Dir = filepath.Dir(file)
	if out, err := cmd.CombinedOutput(); err != nil {
		errBuild = fmt.Errorf("build mock kernel: %w: %s", err, out)
		os.RemoveAll(dir)
	}
}

// Binary returns the path of the compiled mock kernel, building it once.
func Binary(t testing.TB) string {
	t.Helper()
	buildOnce.Do(build)
	if errBuild != nil {
		t.Fatalf("mock kernel build failed: %v", errBuild)
	}
	return binaryPath
}

// Spec returns a launch spec for the mock kernel in mode.
func Spec(t testing.TB, kernelName, mode, transport string) session.Spec {
	t.Helper()
	return session.Spec{
		KernelName: kernelName,
		Argv:       []string{Binary(t), "-f", session.ConnectionFilePlaceholder},
		Env:        map[string]string{"MOCK_KERNEL_MODE": mode},
		Transport:  transport,
	}
}

// WriteKernelspec writes <root>/<kernelName>/kernel.json for the mock kernel.
func WriteKernelspec(t testing.TB, root, kernelName, mode, transport string) {
	t.Helper()
	spec := Spec(t, kernelName, mode, transport)
	data, err := json.MarshalIndent(map[string]any{
		"argv":         spec.Argv,
		"display_name": kernelName,
		"env":          spec.Env,
		"transport":    transport,
	}, "", "  ")
	if err != nil {
		t.Fatalf("marshal kernelspec: %v", err)
	}
	writeFile(t, filepath.Join(root, kernelName, "kernel.json"), string(data))
}

// WriteKernel writes <root>/<dir>/meta.json naming kernelName.
func WriteKernel(t testing.TB, root, dir, kernelName string) {
	t.Helper()
	writeFile(t, filepath.Join(root, dir, "meta.json"),
		fmt.Sprintf(`{"kernel_name": %q, "display_name": %q}`, kernelName, dir))
}

// WriteFeature writes <root>/<name>/provided.json and expected.schema.json.
// name may contain a group, e.g. "basic/kernel_info".
func WriteFeature(t testing.TB, root, name, provided, schema string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(name))
	writeFile(t, filepath.Join(dir, "provided.json"), provided)
	writeFile(t, filepath.Join(dir, "expected.schema.json"), schema)
}

func writeFile(t testing.TB, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
