package main

import (
	"fmt"
	"io"
	"time"

	"github.com/danmuck/kernelctl/internal/catalog"
	"github.com/danmuck/kernelctl/internal/config"
	"github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/orchestrator"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/danmuck/kernelctl/internal/runner"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath  string
	features    string
	kernels     string
	kernelspecs []string
	reports     string
	format      string
	timeout     time.Duration
	workers     int
	logLevel    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "kernelctl [kernel selectors...]",
		Short: "Replay protocol fixtures against kernels and report conformance",
		Long: `kernelctl starts a fresh kernel process for every (kernel, feature) pair,
sends the feature's request, and checks the reply against the feature's
schema. Selectors are kernel name prefixes; none selects every kernel.

Exit status is 0 whenever the run completes, whatever the outcomes.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if o.logLevel == "" {
				return nil
			}
			lvl, ok := logging.ParseLevel(o.logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", o.logLevel)
			}
			zerolog.SetGlobalLevel(lvl)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, o, args, stdout)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", config.DefaultPath, "harness config file")
	flags.StringVar(&o.features, "features", "", "feature fixtures root (overrides config)")
	flags.StringVar(&o.kernels, "kernels", "", "kernel directories root (overrides config)")
	flags.StringSliceVar(&o.kernelspecs, "kernelspecs", nil, "kernel spec directories, searched in order (overrides config)")
	flags.StringVar(&o.reports, "reports", "", "directory to save report files in (overrides config)")
	flags.StringVarP(&o.format, "format", "f", "", "report format: json|yaml|text (overrides config)")
	flags.DurationVarP(&o.timeout, "timeout", "t", 0, "per-feature deadline, kernel startup included (overrides config)")
	flags.IntVarP(&o.workers, "workers", "w", 0, "parallel feature tests, 0 for one per CPU (overrides config)")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: trace|debug|info|warn|error|off")

	root.AddCommand(
		newListCmd(o, stdout),
		newServeCmd(o),
		newConfigCmd(o, stdout),
	)
	return root
}

// load resolves the effective config: defaults, then the config file, then
// any flag the user set.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("features") {
		cfg.FeaturesDir = o.features
	}
	if flags.Changed("kernels") {
		cfg.KernelsDir = o.kernels
	}
	if flags.Changed("kernelspecs") {
		cfg.KernelspecDirs = o.kernelspecs
	}
	if flags.Changed("reports") {
		cfg.ReportsDir = o.reports
	}
	if flags.Changed("format") {
		cfg.Format = o.format
	}
	if flags.Changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newOrchestrator(cfg config.Config, c *catalog.Catalog) *orchestrator.Orchestrator {
	manager := session.NewManager(cfg.Session())
	r := runner.New(runner.ManagerOpener(manager), cfg.Timeout)
	return orchestrator.New(c, r, cfg.Workers)
}

func runTests(cmd *cobra.Command, o *options, selectors []string, stdout io.Writer) error {
	cfg, err := o.load(cmd)
	if err != nil {
		return err
	}
	c, err := catalog.Load(cfg.Catalog())
	if err != nil {
		return err
	}
	rep, runErr := newOrchestrator(cfg, c).Run(cmd.Context(), selectors)
	if rep != nil {
		if cfg.ReportsDir != "" {
			path, err := report.Save(cfg.ReportsDir, rep)
			if err != nil {
				log.Error().Err(err).Msg("report save failed")
			} else {
				log.Info().Str("path", path).Msg("report saved")
			}
		}
		if err := report.Write(stdout, rep, cfg.Format); err != nil {
			return err
		}
	}
	return runErr
}
