package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/catalog"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/danmuck/kernelctl/internal/runner"
	"github.com/danmuck/kernelctl/internal/testutil/kerneltest"
	"github.com/danmuck/kernelctl/internal/testutil/testlog"
	"go.uber.org/goleak"
)

type fixture struct {
	features    string
	kernels     string
	kernelspecs string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	return fixture{
		features:    filepath.Join(root, "features"),
		kernels:     filepath.Join(root, "kernels"),
		kernelspecs: filepath.Join(root, "kernelspecs"),
	}
}

// kernel adds a kernel directory whose kernel_name resolves to a mock
// kernel running in mode.
func (f fixture) kernel(t *testing.T, name, mode string) {
	t.Helper()
	kerneltest.WriteKernel(t, f.kernels, name, "mock-"+name)
	kerneltest.WriteKernelspec(t, f.kernelspecs, "mock-"+name, mode, protocol.TransportJSONL)
}

func (f fixture) load(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(catalog.Config{
		FeaturesDir:    f.features,
		KernelsDir:     f.kernels,
		KernelspecDirs: []string{f.kernelspecs},
	})
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func realRunner(timeout time.Duration) *runner.Runner {
	return runner.New(runner.ManagerOpener(session.NewManager(session.Config{})), timeout)
}

func TestRunMatrixCoverageAgainstMockKernels(t *testing.T) {
	testlog.Start(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.kernel(t, "echo", kerneltest.ModeEcho)
	f.kernel(t, "hang", kerneltest.ModeHang)
	f.kernel(t, "broken", kerneltest.ModeBroken)
	kerneltest.WriteKernel(t, f.kernels, "unresolved", "no-such-kernel")
	kerneltest.WriteFeature(t, f.features, "basic/ping", kerneltest.KernelInfoRequest, kerneltest.KernelInfoSchema)
	kerneltest.WriteFeature(t, f.features, "basic/bad", `{"header": {}}`, kerneltest.KernelInfoSchema)

	o := New(f.load(t), realRunner(time.Second), 4)
	start := time.Now()
	rep, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %v", elapsed)
	}

	for _, k := range []string{"echo", "hang", "broken", "unresolved"} {
		for _, feat := range []string{"basic/ping", "basic/bad"} {
			if !rep.Covers(k, feat) {
				t.Fatalf("report missing %s/%s", k, feat)
			}
		}
	}
	expect := map[string]report.Outcome{
		"echo":   report.OK,
		"hang":   report.Timeout,
		"broken": report.ProtocolError,
	}
	for k, want := range expect {
		if got, _ := rep.Outcome(k, "basic/ping"); got != want {
			t.Fatalf("%s/basic/ping outcome=%q want %q", k, got, want)
		}
		if _, ok := rep.Fault(k, "basic/bad"); !ok {
			t.Fatalf("%s/basic/bad should be a harness fault", k)
		}
	}
	if diag := rep.Diagnostics["broken"]["basic/ping"]; !strings.Contains(diag, "status") {
		t.Fatalf("broken diagnostic should name the missing field, got %q", diag)
	}
	if msg, ok := rep.Fault("unresolved", "basic/ping"); !ok || !strings.Contains(msg, "kernel spec not found") {
		t.Fatalf("unresolved kernel should fault every feature, got %q", msg)
	}
	if s := rep.Summary(); s.Total != 8 || s.OK != 1 || s.Timeouts != 1 || s.Errors != 1 || s.Faults != 5 {
		t.Fatalf("unexpected summary=%+v", s)
	}
}

func TestRunIsolatesConcurrentSessions(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.kernel(t, "echo", kerneltest.ModeEcho)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		kerneltest.WriteFeature(t, f.features, "ping/"+name, kerneltest.KernelInfoRequest, kerneltest.KernelInfoSchema)
	}

	o := New(f.load(t), realRunner(5*time.Second), 3)
	var mu sync.Mutex
	pids := map[int]string{}
	o.Hook = func(u Unit) {
		mu.Lock()
		defer mu.Unlock()
		if prev, dup := pids[u.Result.PID]; dup {
			t.Errorf("features %s and %s shared pid %d", prev, u.Feature, u.Result.PID)
		}
		pids[u.Result.PID] = u.Feature
	}
	rep, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pids) != 6 {
		t.Fatalf("expected 6 distinct kernel processes, got %d", len(pids))
	}
	if s := rep.Summary(); s.OK != 6 {
		t.Fatalf("unexpected summary=%+v diagnostics=%v", s, rep.Diagnostics)
	}
}

// stubRunner records concurrency and returns a fixed outcome.
type stubRunner struct {
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (s *stubRunner) Run(ctx context.Context, target runner.Target, feature catalog.Feature) (runner.Result, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return runner.Result{}, &runner.HarnessFault{Kernel: target.Name, Feature: feature.Name, Err: err}
	}
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		cur := s.maxSeen.Load()
		if n <= cur || s.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return runner.Result{Outcome: report.OK, PID: 1}, nil
}

func stubCatalog(t *testing.T, kernels []string, features int) *catalog.Catalog {
	t.Helper()
	f := newFixture(t)
	for _, k := range kernels {
		kerneltest.WriteKernel(t, f.kernels, k, k)
		kerneltest.WriteKernelspec(t, f.kernels, k, kerneltest.ModeEcho, protocol.TransportJSONL)
	}
	for i := 0; i < features; i++ {
		kerneltest.WriteFeature(t, f.features, "g/f"+string(rune('a'+i)), kerneltest.KernelInfoRequest, kerneltest.KernelInfoSchema)
	}
	return f.load(t)
}

func TestRunSelectorFiltering(t *testing.T) {
	testlog.Start(t)
	c := stubCatalog(t, []string{"foo-a", "foo-b", "bar-a"}, 2)
	stub := &stubRunner{}
	rep, err := New(c, stub, 2).Run(context.Background(), []string{"foo"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := rep.KernelNames()
	if len(got) != 2 || got[0] != "foo-a" || got[1] != "foo-b" {
		t.Fatalf("unexpected kernels=%v", got)
	}
	if stub.calls.Load() != 4 {
		t.Fatalf("expected 4 units, got %d", stub.calls.Load())
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	testlog.Start(t)
	c := stubCatalog(t, []string{"k1", "k2"}, 5)
	stub := &stubRunner{delay: 20 * time.Millisecond}
	o := New(c, stub, 3)
	if _, err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if max := stub.maxSeen.Load(); max > 3 || max < 1 {
		t.Fatalf("max concurrent units=%d with 3 workers", max)
	}
	if stub.calls.Load() != 10 {
		t.Fatalf("expected 10 units, got %d", stub.calls.Load())
	}
}

func TestRunCancelledStillCoversMatrix(t *testing.T) {
	testlog.Start(t)
	c := stubCatalog(t, []string{"k1", "k2"}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := New(c, &stubRunner{}, 2).Run(ctx, nil)
	if err == nil {
		t.Fatalf("expected interrupted run error")
	}
	for _, k := range []string{"k1", "k2"} {
		for _, feat := range c.FeatureNames() {
			if !rep.Covers(k, feat) {
				t.Fatalf("cancelled run missing %s/%s", k, feat)
			}
		}
	}
	if s := rep.Summary(); s.Faults != 6 {
		t.Fatalf("unexpected summary=%+v", s)
	}
}

func TestNewDefaultsWorkers(t *testing.T) {
	testlog.Start(t)
	if New(&catalog.Catalog{}, &stubRunner{}, 0).Workers() < 1 {
		t.Fatalf("default workers must be positive")
	}
}
