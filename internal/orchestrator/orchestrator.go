package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/danmuck/kernelctl/internal/catalog"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/danmuck/kernelctl/internal/runner"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FeatureRunner runs one (kernel, feature) test.
type FeatureRunner interface {
	Run(ctx context.Context, target runner.Target, feature catalog.Feature) (runner.Result, error)
}

// Unit is one finished (kernel, feature) test as seen by a Hook.
type Unit struct {
	Kernel  string
	Feature string
	Result  runner.Result
	// Fault is set when the unit ended in a harness fault.
	Fault error
}

type Orchestrator struct {
	catalog *catalog.Catalog
	runner  FeatureRunner
	workers int
	logger  zerolog.Logger

	// Hook, when set, is called from worker goroutines after each unit is
	// recorded.
	Hook func(Unit)
}

// New builds an orchestrator over c. workers <= 0 uses one worker per CPU.
func New(c *catalog.Catalog, r FeatureRunner, workers int) *Orchestrator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Orchestrator{
		catalog: c,
		runner:  r,
		workers: workers,
		logger:  observability.Component("orchestrator"),
	}
}

func (o *Orchestrator) Workers() int { return o.workers }

type workItem struct {
	target  runner.Target
	feature catalog.Feature
}

// Run tests every selected kernel against every catalog feature and returns
// the full report. The report covers the whole matrix even when ctx is
// cancelled part way; in that case the remaining units are recorded as
// harness faults and the context error is returned alongside the report.
func (o *Orchestrator) Run(ctx context.Context, selectors []string) (*report.Report, error) {
	kernels := o.catalog.Select(selectors)
	names := make([]string, len(kernels))
	for i, k := range kernels {
		names[i] = k.Name
	}
	started := time.Now()
	acc := report.NewAccumulator(names, started)

	var items []workItem
	for _, k := range kernels {
		spec, err := o.catalog.Resolve(k)
		if err != nil {
			o.logger.Error().Err(err).Str("kernel", k.Name).Msg("kernel spec unresolved")
			for _, f := range o.catalog.Features {
				o.record(acc, Unit{
					Kernel:  k.Name,
					Feature: f.Name,
					Fault:   &runner.HarnessFault{Kernel: k.Name, Feature: f.Name, Err: err},
				})
			}
			continue
		}
		target := runner.Target{Name: k.Name, Spec: spec}
		for _, f := range o.catalog.Features {
			items = append(items, workItem{target: target, feature: f})
		}
	}

	o.logger.Info().
		Int("kernels", len(kernels)).
		Int("features", len(o.catalog.Features)).
		Int("units", len(items)).
		Int("workers", o.workers).
		Msg("run start")

	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, item := range items {
		g.Go(func() error {
			o.runUnit(ctx, acc, item)
			return nil
		})
	}
	_ = g.Wait()

	rep := acc.Report(time.Now())
	completed := ctx.Err() == nil
	observability.RecordRun(completed)

	s := rep.Summary()
	o.logger.Info().
		Int("ok", s.OK).
		Int("error", s.Errors).
		Int("timeout", s.Timeouts).
		Int("faults", s.Faults).
		Dur("duration", rep.FinishedAt.Sub(started)).
		Bool("completed", completed).
		Msg("run finished")

	if !completed {
		return rep, fmt.Errorf("orchestrator: run interrupted: %w", ctx.Err())
	}
	return rep, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, acc *report.Accumulator, item workItem) {
	done := observability.TrackInFlight()
	defer done()

	res, err := o.runner.Run(ctx, item.target, item.feature)
	o.record(acc, Unit{
		Kernel:  item.target.Name,
		Feature: item.feature.Name,
		Result:  res,
		Fault:   err,
	})
}

func (o *Orchestrator) record(acc *report.Accumulator, u Unit) {
	if u.Fault != nil {
		acc.Fault(u.Kernel, u.Feature, u.Fault)
		observability.RecordHarnessFault(u.Kernel)
		o.logger.Error().
			Err(u.Fault).
			Str("kernel", u.Kernel).
			Str("feature", u.Feature).
			Msg("harness fault")
	} else {
		acc.Record(u.Kernel, u.Feature, u.Result.Outcome, u.Result.Diagnostic)
		observability.RecordFeature(u.Kernel, string(u.Result.Outcome), u.Result.Duration)
		event := o.logger.Info()
		if u.Result.Outcome != report.OK {
			event = o.logger.Warn().Str("diagnostic", u.Result.Diagnostic)
		}
		event.
			Str("kernel", u.Kernel).
			Str("feature", u.Feature).
			Str("outcome", string(u.Result.Outcome)).
			Int("pid", u.Result.PID).
			Dur("duration", u.Result.Duration).
			Msg("feature result")
	}
	if o.Hook != nil {
		o.Hook(u)
	}
}
