package report

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome is the classified result of one (kernel, feature) test.
type Outcome string

const (
	OK            Outcome = "ok"
	ProtocolError Outcome = "error"
	Timeout       Outcome = "timeout"
)

func (o Outcome) Valid() bool {
	switch o {
	case OK, ProtocolError, Timeout:
		return true
	}
	return false
}

func (o *Outcome) UnmarshalText(text []byte) error {
	v := Outcome(text)
	if !v.Valid() {
		return fmt.Errorf("report: unknown outcome %q", text)
	}
	*o = v
	return nil
}

// Report is the outcome matrix of one run. Every selected (kernel, feature)
// pair appears in exactly one of Kernels or Faults.
type Report struct {
	Kernels     map[string]map[string]Outcome `json:"kernels" yaml:"kernels"`
	Faults      map[string]map[string]string  `json:"faults,omitempty" yaml:"faults,omitempty"`
	Diagnostics map[string]map[string]string  `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	StartedAt   time.Time                     `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time                     `json:"finished_at" yaml:"finished_at"`
}

func New(started time.Time) *Report {
	return &Report{
		Kernels:     map[string]map[string]Outcome{},
		Faults:      map[string]map[string]string{},
		Diagnostics: map[string]map[string]string{},
		StartedAt:   started,
	}
}

// Outcome returns the recorded outcome for (kernel, feature).
func (r *Report) Outcome(kernel, feature string) (Outcome, bool) {
	o, ok := r.Kernels[kernel][feature]
	return o, ok
}

// Fault returns the harness fault recorded for (kernel, feature).
func (r *Report) Fault(kernel, feature string) (string, bool) {
	f, ok := r.Faults[kernel][feature]
	return f, ok
}

// Covers reports whether (kernel, feature) has an outcome or a fault.
func (r *Report) Covers(kernel, feature string) bool {
	if _, ok := r.Outcome(kernel, feature); ok {
		return true
	}
	_, ok := r.Fault(kernel, feature)
	return ok
}

// KernelNames lists every kernel in the report, sorted.
func (r *Report) KernelNames() []string {
	seen := map[string]struct{}{}
	for k := range r.Kernels {
		seen[k] = struct{}{}
	}
	for k := range r.Faults {
		seen[k] = struct{}{}
	}
	return sortedKeys(seen)
}

// Summary counts outcomes and faults across the report.
type Summary struct {
	Total    int `json:"total" yaml:"total"`
	OK       int `json:"ok" yaml:"ok"`
	Errors   int `json:"error" yaml:"error"`
	Timeouts int `json:"timeout" yaml:"timeout"`
	Faults   int `json:"faults" yaml:"faults"`
}

func (r *Report) Summary() Summary {
	var s Summary
	for _, features := range r.Kernels {
		for _, o := range features {
			s.Total++
			switch o {
			case OK:
				s.OK++
			case ProtocolError:
				s.Errors++
			case Timeout:
				s.Timeouts++
			}
		}
	}
	for _, features := range r.Faults {
		s.Total += len(features)
		s.Faults += len(features)
	}
	return s
}

func (r *Report) clone() *Report {
	out := New(r.StartedAt)
	out.FinishedAt = r.FinishedAt
	for k, features := range r.Kernels {
		m := make(map[string]Outcome, len(features))
		for f, o := range features {
			m[f] = o
		}
		out.Kernels[k] = m
	}
	copyNested(out.Faults, r.Faults)
	copyNested(out.Diagnostics, r.Diagnostics)
	return out
}

func copyNested(dst, src map[string]map[string]string) {
	for k, features := range src {
		m := make(map[string]string, len(features))
		for f, v := range features {
			m[f] = v
		}
		dst[k] = m
	}
}

// Accumulator collects outcomes from concurrent workers.
type Accumulator struct {
	mu     sync.Mutex
	report *Report
}

// NewAccumulator starts a report with an entry for each selected kernel, so
// a kernel with no features still shows up.
func NewAccumulator(kernels []string, started time.Time) *Accumulator {
	r := New(started)
	for _, k := range kernels {
		r.Kernels[k] = map[string]Outcome{}
	}
	return &Accumulator{report: r}
}

// Record stores the outcome for (kernel, feature). diagnostic is kept for
// non-ok outcomes.
func (a *Accumulator) Record(kernel, feature string, outcome Outcome, diagnostic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setOutcome(a.report.Kernels, kernel, feature, outcome)
	if outcome != OK && diagnostic != "" {
		setString(a.report.Diagnostics, kernel, feature, diagnostic)
	}
}

// Fault stores a harness fault for (kernel, feature) in place of an outcome.
func (a *Accumulator) Fault(kernel, feature string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setString(a.report.Faults, kernel, feature, err.Error())
	if features, ok := a.report.Kernels[kernel]; ok {
		delete(features, feature)
	}
}

// Report returns a snapshot stamped with finished.
func (a *Accumulator) Report(finished time.Time) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.report.clone()
	out.FinishedAt = finished
	return out
}

func setOutcome(m map[string]map[string]Outcome, kernel, feature string, o Outcome) {
	inner, ok := m[kernel]
	if !ok {
		inner = map[string]Outcome{}
		m[kernel] = inner
	}
	inner[feature] = o
}

func setString(m map[string]map[string]string, kernel, feature, v string) {
	inner, ok := m[kernel]
	if !ok {
		inner = map[string]string{}
		m[kernel] = inner
	}
	inner[feature] = v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
