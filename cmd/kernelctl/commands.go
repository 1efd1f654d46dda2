package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/danmuck/kernelctl/internal/auth"
	"github.com/danmuck/kernelctl/internal/catalog"
	"github.com/danmuck/kernelctl/internal/config"
	"github.com/danmuck/kernelctl/internal/orchestrator"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/danmuck/kernelctl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newListCmd(o *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list [kernel selectors...]",
		Short: "List kernels and features in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			c, err := catalog.Load(cfg.Catalog())
			if err != nil {
				return err
			}
			return writeListing(stdout, c, args)
		},
	}
}

func writeListing(w io.Writer, c *catalog.Catalog, selectors []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KERNEL\tKERNEL NAME\tSPEC")
	for _, k := range c.Select(selectors) {
		status := "ok"
		if spec, err := c.Resolve(k); err != nil {
			status = err.Error()
		} else if spec.SSH != nil {
			status = "ssh " + spec.SSH.Host
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Name, k.KernelName, status)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "FEATURE\tMSG TYPE\tSTATUS")
	for _, f := range c.Features {
		status := "ok"
		if f.Err != nil {
			status = f.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.Request.MsgType, status)
	}
	return tw.Flush()
}

func newServeCmd(o *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve runs, the latest report and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Serve.Addr = addr
			}
			srv := server.New(cmd.Context(), cfg.Serve.Addr, cfg.Serve.CorsOrigins, serveRunFunc(cfg))
			if token := serveToken(cfg); token != "" {
				srv.RequireToken(auth.StaticToken{Token: token})
			}
			if cfg.ReportsDir != "" {
				if latest, err := latestReport(cfg.ReportsDir); err == nil && latest != nil {
					srv.SetLatest(latest)
				}
			}
			return srv.Serve()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func serveToken(cfg config.Config) string {
	if token := os.Getenv(auth.EnvToken); token != "" {
		return token
	}
	return cfg.Serve.Token
}

// serveRunFunc reloads the catalog for every run so fixture edits are
// picked up without a restart.
func serveRunFunc(cfg config.Config) server.RunFunc {
	return func(ctx context.Context, selectors []string, hook func(orchestrator.Unit)) (*report.Report, error) {
		c, err := catalog.Load(cfg.Catalog())
		if err != nil {
			return nil, err
		}
		orch := newOrchestrator(cfg, c)
		orch.Hook = hook
		rep, err := orch.Run(ctx, selectors)
		if rep != nil && cfg.ReportsDir != "" {
			if path, saveErr := report.Save(cfg.ReportsDir, rep); saveErr != nil {
				log.Error().Err(saveErr).Msg("report save failed")
			} else {
				log.Info().Str("path", path).Msg("report saved")
			}
		}
		return rep, err
	}
}

// latestReport loads the newest saved report in dir, or nil when there is
// none. Report file names sort by start time.
func latestReport(dir string) (*report.Report, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "report-*.json"))
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	sort.Strings(matches)
	return report.Load(matches[len(matches)-1])
}

func newConfigCmd(o *options, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage kernelctl.toml",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := o.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "validated %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
