//go:build windows

package runner

func processGone(int) bool { return true }
