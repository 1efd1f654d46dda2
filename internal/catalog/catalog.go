package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrRootUnreadable = errors.New("catalog: root unreadable")
	ErrFixture        = errors.New("catalog: malformed feature fixture")
	ErrKernelMeta     = errors.New("catalog: malformed kernel meta")
	ErrSpecNotFound   = errors.New("catalog: kernel spec not found")
)

// Config points the catalog at its fixture roots.
type Config struct {
	FeaturesDir string
	KernelsDir  string
	// KernelspecDirs are searched in order for <kernel_name>/kernel.json
	// after the kernel's own directory.
	KernelspecDirs []string
}

// Catalog is the immutable set of kernels and features for one run.
type Catalog struct {
	Kernels  []Kernel
	Features []Feature

	kernelspecDirs []string
}

// Load reads every kernel and feature under cfg. Only unreadable roots fail
// the load; a malformed fixture or kernel is kept with its Err set.
func Load(cfg Config) (*Catalog, error) {
	kernels, err := LoadKernels(cfg.KernelsDir)
	if err != nil {
		return nil, err
	}
	features, err := LoadFeatures(cfg.FeaturesDir)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("kernels", len(kernels)).
		Int("features", len(features)).
		Strs("kernelspec_dirs", cfg.KernelspecDirs).
		Msg("catalog loaded")
	return &Catalog{
		Kernels:        kernels,
		Features:       features,
		kernelspecDirs: append([]string(nil), cfg.KernelspecDirs...),
	}, nil
}

// Select returns the kernels whose name starts with any selector. No
// selectors selects every kernel.
func (c *Catalog) Select(selectors []string) []Kernel {
	return Select(c.Kernels, selectors)
}

func Select(kernels []Kernel, selectors []string) []Kernel {
	var active []string
	for _, s := range selectors {
		if s = strings.TrimSpace(s); s != "" {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return append([]Kernel(nil), kernels...)
	}
	out := make([]Kernel, 0, len(kernels))
	for _, k := range kernels {
		for _, s := range active {
			if strings.HasPrefix(k.Name, s) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// FeatureNames lists feature names in catalog order.
func (c *Catalog) FeatureNames() []string {
	out := make([]string, len(c.Features))
	for i, f := range c.Features {
		out[i] = f.Name
	}
	return out
}

// subdirs lists the directories directly under root, sorted by name.
func subdirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func joinRel(root, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(root, rel)
}
