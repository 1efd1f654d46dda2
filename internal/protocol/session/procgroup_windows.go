//go:build windows

package session

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(proc *os.Process, _ syscall.Signal) error {
	return ignoreProcessDone(proc.Kill())
}
