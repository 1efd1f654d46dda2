// Package orchestrator fans the kernel x feature matrix out over a bounded
// worker pool and folds every outcome into one report.
package orchestrator
