package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var (
	started  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished = started.Add(1500 * time.Millisecond)
)

func sample() *Report {
	acc := NewAccumulator([]string{"echo", "hang", "empty"}, started)
	acc.Record("echo", "basic/ping", OK, "")
	acc.Record("echo", "basic/broken", ProtocolError, "schema: field=content missing properties: 'status'")
	acc.Record("hang", "basic/ping", Timeout, "session: timed out waiting for reply")
	acc.Fault("hang", "basic/broken", errors.New("catalog: malformed feature fixture"))
	return acc.Report(finished)
}

func TestOutcomeText(t *testing.T) {
	testlog.Start(t)
	data, err := json.Marshal(map[string]Outcome{"a": OK, "b": ProtocolError, "c": Timeout})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"ok","b":"error","c":"timeout"}`, string(data))

	var back map[string]Outcome
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, Timeout, back["c"])

	var bad map[string]Outcome
	require.Error(t, json.Unmarshal([]byte(`{"a":"passed"}`), &bad))
}

func TestAccumulatorCoverageAndFaults(t *testing.T) {
	testlog.Start(t)
	r := sample()

	want := map[string]map[string]Outcome{
		"echo":  {"basic/ping": OK, "basic/broken": ProtocolError},
		"hang":  {"basic/ping": Timeout},
		"empty": {},
	}
	if diff := cmp.Diff(want, r.Kernels); diff != "" {
		t.Fatalf("kernels mismatch (-want +got):\n%s", diff)
	}
	for _, k := range []string{"echo", "hang"} {
		for _, f := range []string{"basic/ping", "basic/broken"} {
			require.True(t, r.Covers(k, f), "%s/%s not covered", k, f)
		}
	}
	_, inKernels := r.Outcome("hang", "basic/broken")
	require.False(t, inKernels, "faulted unit must not also carry an outcome")
	msg, ok := r.Fault("hang", "basic/broken")
	require.True(t, ok)
	require.Contains(t, msg, "malformed feature fixture")
	require.Equal(t, "schema: field=content missing properties: 'status'", r.Diagnostics["echo"]["basic/broken"])
	_, hasOKDiag := r.Diagnostics["echo"]["basic/ping"]
	require.False(t, hasOKDiag)

	require.Equal(t, Summary{Total: 4, OK: 1, Errors: 1, Timeouts: 1, Faults: 1}, r.Summary())
	require.Equal(t, []string{"echo", "empty", "hang"}, r.KernelNames())
}

func TestAccumulatorSnapshotIsIndependent(t *testing.T) {
	testlog.Start(t)
	acc := NewAccumulator([]string{"k"}, started)
	acc.Record("k", "f1", OK, "")
	snap := acc.Report(finished)
	acc.Record("k", "f2", Timeout, "")
	_, ok := snap.Outcome("k", "f2")
	require.False(t, ok)
	require.Equal(t, finished, snap.FinishedAt)
}

func TestAccumulatorConcurrentRecords(t *testing.T) {
	testlog.Start(t)
	kernels := []string{"a", "b", "c", "d"}
	acc := NewAccumulator(kernels, started)
	var wg sync.WaitGroup
	for _, k := range kernels {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(k string, i int) {
				defer wg.Done()
				feature := fmt.Sprintf("group/f%02d", i)
				if i%10 == 0 {
					acc.Fault(k, feature, errors.New("fixture"))
					return
				}
				acc.Record(k, feature, OK, "")
			}(k, i)
		}
	}
	wg.Wait()
	r := acc.Report(finished)
	for _, k := range kernels {
		for i := 0; i < 50; i++ {
			require.True(t, r.Covers(k, fmt.Sprintf("group/f%02d", i)))
		}
	}
	require.Equal(t, 200, r.Summary().Total)
}

func TestWriteFormats(t *testing.T) {
	testlog.Start(t)
	r := sample()

	var js bytes.Buffer
	require.NoError(t, Write(&js, r, "json"))
	var decoded struct {
		Kernels map[string]map[string]string `json:"kernels"`
		Faults  map[string]map[string]string `json:"faults"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Equal(t, "timeout", decoded.Kernels["hang"]["basic/ping"])
	require.Contains(t, decoded.Faults["hang"], "basic/broken")

	var ym bytes.Buffer
	require.NoError(t, Write(&ym, r, "yaml"))
	var ydecoded map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &ydecoded))
	kernels := ydecoded["kernels"].(map[string]any)
	require.Equal(t, "error", kernels["echo"].(map[string]any)["basic/broken"])

	var txt bytes.Buffer
	require.NoError(t, Write(&txt, r, "text"))
	out := txt.String()
	for _, want := range []string{
		"Kernel: echo\n",
		"  [OK  ] basic/ping\n",
		"  [ERR ] basic/broken  (schema: field=content",
		"  [TIME] basic/ping",
		"  [FAULT] basic/broken",
		"total=4 ok=1 error=1 timeout=1 fault=1",
		"Duration: 1.5s",
	} {
		require.True(t, strings.Contains(out, want), "text output missing %q:\n%s", want, out)
	}

	require.ErrorIs(t, Write(&txt, r, "xml"), ErrUnknownFormat)
}

func TestSaveAndLoad(t *testing.T) {
	testlog.Start(t)
	r := sample()
	path, err := Save(t.TempDir(), r)
	require.NoError(t, err)
	require.Contains(t, path, "report-2026-03-01T12-00-00.000Z.json")

	back, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(r.Kernels, back.Kernels); diff != "" {
		t.Fatalf("kernels mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, r.Faults, back.Faults)
	require.True(t, r.StartedAt.Equal(back.StartedAt))
}
