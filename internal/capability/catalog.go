package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/switchyard/internal/exec"
)

// KindCommand is the only catalog entry kind: an external process.
const KindCommand = "command"

// CatalogEntry is one capability declared in a catalog file.
type CatalogEntry struct {
	Spec    `yaml:",inline"`
	Kind    string            `yaml:"kind"`
	Command []string          `yaml:"command"`
	WorkDir string            `yaml:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// GracePeriod overrides the executor's interrupt-to-kill delay.
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`
}

// Catalog is a YAML file of command-backed capabilities.
type Catalog struct {
	Path         string         `yaml:"-"`
	Capabilities []CatalogEntry `yaml:"capabilities"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cat.Path = abs
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks entry names, kinds and commands.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Capabilities))
	for i, e := range c.Capabilities {
		if e.Name == "" {
			return fmt.Errorf("catalog entry %d: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("catalog entry %s: declared twice", e.Name)
		}
		seen[e.Name] = true
		kind := e.Kind
		if kind == "" {
			kind = KindCommand
		}
		if kind != KindCommand {
			return fmt.Errorf("catalog entry %s: unsupported kind %q", e.Name, e.Kind)
		}
		if len(e.Command) == 0 {
			return fmt.Errorf("catalog entry %s: command is required", e.Name)
		}
	}
	return nil
}

// Apply registers every catalog entry into reg, replacing entries previously
// loaded from the same file and dropping the ones that disappeared.
// It returns the names that were removed.
func (c *Catalog) Apply(reg *Registry, runner exec.CommandRunner) []string {
	keep := make(map[string]bool, len(c.Capabilities))
	for _, e := range c.Capabilities {
		ce := NewCommandExecutor(runner, e.Command)
		ce.WorkDir = e.WorkDir
		ce.GracePeriod = e.GracePeriod
		for k, v := range e.Env {
			ce.Env = append(ce.Env, k+"="+v)
		}
		reg.upsert(e.Spec, ce, c.Path)
		keep[e.Name] = true
	}
	return reg.pruneSource(c.Path, keep)
}
