package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by Write.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

var ErrUnknownFormat = errors.New("report: unknown format")

func ParseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatText, "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// Write encodes r to w in format.
func Write(w io.Writer, r *Report, format string) error {
	name, err := ParseFormat(format)
	if err != nil {
		return err
	}
	switch name {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("report: encode yaml: %w", err)
		}
		return enc.Close()
	case FormatText:
		return writeText(w, r)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("report: encode json: %w", err)
		}
		return nil
	}
}

func writeText(w io.Writer, r *Report) error {
	var b strings.Builder
	for _, kernel := range r.KernelNames() {
		fmt.Fprintf(&b, "Kernel: %s\n", kernel)
		type row struct {
			feature string
			line    string
		}
		var rows []row
		for feature, o := range r.Kernels[kernel] {
			line := fmt.Sprintf("  [%s] %s", label(o), feature)
			if diag := r.Diagnostics[kernel][feature]; diag != "" {
				line += "  (" + diag + ")"
			}
			rows = append(rows, row{feature, line})
		}
		for feature, msg := range r.Faults[kernel] {
			rows = append(rows, row{feature, fmt.Sprintf("  [FAULT] %s  (%s)", feature, msg)})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].feature < rows[j].feature })
		for _, rw := range rows {
			b.WriteString(rw.line)
			b.WriteByte('\n')
		}
	}
	s := r.Summary()
	b.WriteString("\nSummary\n")
	fmt.Fprintf(&b, "  Kernels:  %d\n", len(r.KernelNames()))
	fmt.Fprintf(&b, "  Tests:    total=%d ok=%d error=%d timeout=%d fault=%d\n",
		s.Total, s.OK, s.Errors, s.Timeouts, s.Faults)
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, "  Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func label(o Outcome) string {
	switch o {
	case OK:
		return "OK  "
	case Timeout:
		return "TIME"
	default:
		return "ERR "
	}
}

// Save writes r as JSON to dir/report-<started>.json and returns the path.
func Save(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report: create dir: %w", err)
	}
	stamp := r.StartedAt.UTC().Format("2006-01-02T15-04-05.000Z")
	path := filepath.Join(dir, "report-"+stamp+".json")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("report: create file: %w", err)
	}
	if err := Write(f, r, FormatJSON); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("report: close file: %w", err)
	}
	return path, nil
}

// Load reads a report saved by Save.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: read: %w", err)
	}
	r := New(time.Time{})
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("report: decode %s: %w", path, err)
	}
	return r, nil
}
