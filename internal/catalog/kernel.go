package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	MetaJSONFile   = "meta.json"
	MetaTOMLFile   = "meta.toml"
	KernelspecFile = "kernel.json"
)

// Kernel is one implementation under test. Name is its directory name;
// KernelName is the launch identifier resolved to a kernel spec.
type Kernel struct {
	Name        string
	KernelName  string
	DisplayName string
	Dir         string
	Err         error
}

type kernelMeta struct {
	KernelName  string `json:"kernel_name" toml:"kernel_name"`
	DisplayName string `json:"display_name" toml:"display_name"`
}

// LoadKernels reads <root>/<name>/meta.json (or meta.toml) for each kernel
// directory, sorted by name.
func LoadKernels(root string) ([]Kernel, error) {
	names, err := subdirs(root)
	if err != nil {
		return nil, err
	}
	out := make([]Kernel, 0, len(names))
	for _, name := range names {
		k := loadKernel(name, filepath.Join(root, name))
		if k.Err != nil {
			log.Warn().Err(k.Err).Str("kernel", k.Name).Msg("catalog kernel unusable")
		}
		out = append(out, k)
	}
	return out, nil
}

func loadKernel(name, dir string) Kernel {
	k := Kernel{Name: name, Dir: dir}
	meta, err := readMeta(dir)
	if err != nil {
		k.Err = err
		return k
	}
	k.KernelName = strings.TrimSpace(meta.KernelName)
	k.DisplayName = meta.DisplayName
	if k.KernelName == "" {
		k.Err = fmt.Errorf("%w: %s: missing kernel_name", ErrKernelMeta, name)
	}
	return k
}

func readMeta(dir string) (kernelMeta, error) {
	var meta kernelMeta
	if path := filepath.Join(dir, MetaJSONFile); fileExists(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return meta, fmt.Errorf("%w: %v", ErrKernelMeta, err)
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return meta, fmt.Errorf("%w: %s: %v", ErrKernelMeta, path, err)
		}
		return meta, nil
	}
	if path := filepath.Join(dir, MetaTOMLFile); fileExists(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return meta, fmt.Errorf("%w: %v", ErrKernelMeta, err)
		}
		if err := toml.Unmarshal(data, &meta); err != nil {
			return meta, fmt.Errorf("%w: %s: %v", ErrKernelMeta, path, err)
		}
		return meta, nil
	}
	return meta, fmt.Errorf("%w: %s: no %s or %s", ErrKernelMeta, dir, MetaJSONFile, MetaTOMLFile)
}

// Resolve finds the launch spec for k: <k.Dir>/kernel.json first, then
// <dir>/<k.KernelName>/kernel.json for each kernel spec directory.
func (c *Catalog) Resolve(k Kernel) (session.Spec, error) {
	if k.Err != nil {
		return session.Spec{}, k.Err
	}
	candidates := make([]string, 0, len(c.kernelspecDirs)+1)
	if k.Dir != "" {
		candidates = append(candidates, filepath.Join(k.Dir, KernelspecFile))
	}
	for _, dir := range c.kernelspecDirs {
		candidates = append(candidates, filepath.Join(dir, k.KernelName, KernelspecFile))
	}
	for _, path := range candidates {
		spec, err := readKernelspec(path, k.KernelName)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return session.Spec{}, err
		}
		log.Debug().Str("kernel", k.Name).Str("kernelspec", path).Msg("catalog kernel resolved")
		return spec, nil
	}
	return session.Spec{}, fmt.Errorf("%w: %s (kernel_name %q)", ErrSpecNotFound, k.Name, k.KernelName)
}

func readKernelspec(path, kernelName string) (session.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Spec{}, err
	}
	var spec session.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return session.Spec{}, fmt.Errorf("%w: %s: %v", session.ErrInvalidSpec, path, err)
	}
	spec.KernelName = kernelName
	if spec.Dir != "" {
		spec.Dir = joinRel(filepath.Dir(path), spec.Dir)
	}
	if err := spec.Validate(); err != nil {
		return session.Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// DefaultKernelspecDirs returns the conventional user and system kernel
// spec locations that exist on this host.
func DefaultKernelspecDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	dirs = append(dirs, "/usr/local/share/jupyter/kernels", "/usr/share/jupyter/kernels")
	out := dirs[:0]
	for _, d := range dirs {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			out = append(out, d)
		}
	}
	return out
}
