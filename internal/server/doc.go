// Package server is the HTTP surface of kernelctl serve.
//
// Ownership boundary:
// - asynchronous runs started over HTTP, one at a time
// - latest completed report
// - health and prometheus metrics
package server
