package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kernelctl/internal/catalog"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/danmuck/kernelctl/internal/runner"
)

// DefaultPath is where the CLI looks for a config when none is given.
const DefaultPath = "kernelctl.toml"

// Config is the harness configuration after defaults and file overlay.
type Config struct {
	FeaturesDir    string
	KernelsDir     string
	KernelspecDirs []string
	ReportsDir     string
	Format         string
	Timeout        time.Duration
	Workers        int
	GracePeriod    time.Duration
	Serve          ServeConfig
}

type ServeConfig struct {
	Addr        string
	CorsOrigins []string
	Token       string // required as a bearer token to start runs when set
}

// kernelctl.toml key mapping to Config.
type fileConfig struct {
	FeaturesDir    string   `toml:"features_dir"`
	KernelsDir     string   `toml:"kernels_dir"`
	KernelspecDirs []string `toml:"kernelspec_dirs"`
	ReportsDir     string   `toml:"reports_dir"`
	Format         string   `toml:"format"`
	Timeout        string   `toml:"timeout"`
	Workers        int      `toml:"workers"`
	GracePeriod    string   `toml:"grace_period"`
	Serve          struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
		Token       string   `toml:"token"`
	} `toml:"serve"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		FeaturesDir:    "features",
		KernelsDir:     "kernels",
		KernelspecDirs: catalog.DefaultKernelspecDirs(),
		Format:         report.FormatJSON,
		Timeout:        runner.DefaultTimeout,
		GracePeriod:    session.DefaultConfig().GracePeriod,
		Serve: ServeConfig{
			Addr:        ":9300",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load overlays the TOML file at path onto Default. Relative directories in
// the file resolve against the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load kernelctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load kernelctl config: unknown key %q", undecoded[0].String())
	}
	base := filepath.Dir(path)

	if meta.IsDefined("features_dir") {
		cfg.FeaturesDir = resolve(base, raw.FeaturesDir)
	}
	if meta.IsDefined("kernels_dir") {
		cfg.KernelsDir = resolve(base, raw.KernelsDir)
	}
	if meta.IsDefined("kernelspec_dirs") {
		cfg.KernelspecDirs = nil
		for _, dir := range raw.KernelspecDirs {
			cfg.KernelspecDirs = append(cfg.KernelspecDirs, resolve(base, dir))
		}
	}
	if meta.IsDefined("reports_dir") {
		cfg.ReportsDir = resolve(base, raw.ReportsDir)
	}
	if meta.IsDefined("format") {
		cfg.Format = strings.TrimSpace(raw.Format)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("load kernelctl config: timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("grace_period") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.GracePeriod))
		if err != nil {
			return Config{}, fmt.Errorf("load kernelctl config: grace_period: %w", err)
		}
		cfg.GracePeriod = d
	}
	if meta.IsDefined("serve", "addr") {
		cfg.Serve.Addr = strings.TrimSpace(raw.Serve.Addr)
	}
	if meta.IsDefined("serve", "cors_origins") {
		cfg.Serve.CorsOrigins = raw.Serve.CorsOrigins
	}
	if meta.IsDefined("serve", "token") {
		cfg.Serve.Token = strings.TrimSpace(raw.Serve.Token)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load kernelctl config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file at the default
// path is not an error; an explicitly named missing file is.
func LoadOrDefault(path string, explicit bool) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("load kernelctl config: %w", err)
	}
	return Load(path)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.FeaturesDir) == "" {
		return fmt.Errorf("features_dir is required")
	}
	if strings.TrimSpace(c.KernelsDir) == "" {
		return fmt.Errorf("kernels_dir is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %s", c.GracePeriod)
	}
	if _, err := report.ParseFormat(c.Format); err != nil {
		return err
	}
	return nil
}

// Catalog returns the catalog roots.
func (c Config) Catalog() catalog.Config {
	return catalog.Config{
		FeaturesDir:    c.FeaturesDir,
		KernelsDir:     c.KernelsDir,
		KernelspecDirs: c.KernelspecDirs,
	}
}

// Session returns session settings derived from the config.
func (c Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.GracePeriod = c.GracePeriod
	if c.GracePeriod == 0 {
		cfg.GracePeriod = -1
	}
	return cfg
}

func resolve(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
