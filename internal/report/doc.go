// Package report holds the outcome matrix of a run and its encodings.
package report
