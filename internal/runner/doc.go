// Package runner drives one (kernel, feature) test to a classified outcome.
//
// Ownership boundary:
// - per-test deadline covering startup and exchange
// - mapping of session and validation failures to outcomes
// - harness faults kept apart from kernel failures
package runner
