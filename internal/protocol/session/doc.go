// Package session owns one kernel process and one channel to it.
//
// Ownership boundary:
// - kernel spec and connection info handed to the kernel
// - local (process group) and ssh launchers
// - a single signed request/reply exchange under a caller deadline
// - best-effort teardown that never leaves the kernel running
package session
