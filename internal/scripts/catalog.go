// Package scripts maps script ids to the management scripts they run.
package scripts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/italolelis/llama_manager/internal/supervisor"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownScript is returned for ids that are not in the catalog.
	ErrUnknownScript = errors.New("unknown script")
	// ErrScriptMissing is returned when a known script is not on disk.
	ErrScriptMissing = errors.New("script not found")
)

// Interpreter runs every catalog entry.
const Interpreter = "bash"

var defaultScripts = []struct {
	id   string
	path string
}{
	{"install", "scripts/install/install-lamacpp.sh"},
	{"compile", "scripts/compile/compile-lamacpp.sh"},
	{"launch", "scripts/launch/launch-lamacpp.sh"},
	{"manage", "scripts/manage/manage-lamacpp.sh"},
	{"terminate", "scripts/terminate/terminate-lamacpp.sh"},
	{"upgrade", "scripts/upgrade/upgrade-lamacpp.sh"},
	{"detect-hardware", "scripts/detect-hardware.sh"},
	{"llama", "scripts/llama.sh"},
}

// Metadata describes a catalog entry.
type Metadata struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Name   string `json:"name"`
}

// Catalog is an immutable id to path table. Scripts run with root as their
// working directory.
type Catalog struct {
	root  string
	paths map[string]string
	order []string
}

type catalogFile struct {
	Scripts map[string]string `yaml:"scripts"`
}

// NewCatalog returns the built-in scripts below root.
func NewCatalog(root string) *Catalog {
	c := &Catalog{root: root, paths: make(map[string]string, len(defaultScripts))}

	for _, s := range defaultScripts {
		c.paths[s.id] = filepath.Join(root, filepath.FromSlash(s.path))
		c.order = append(c.order, s.id)
	}

	return c
}

// LoadCatalog returns the built-in scripts overridden and extended by the
// YAML file at path. An empty path yields the built-in catalog.
//
//	scripts:
//	  launch: custom/launch.sh
//	  bench: /opt/llama/bench.sh
func LoadCatalog(root, path string) (*Catalog, error) {
	c := NewCatalog(root)
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse script catalog: %w", err)
	}

	extra := make([]string, 0, len(f.Scripts))

	for id, p := range f.Scripts {
		if id == "" || p == "" {
			return nil, fmt.Errorf("invalid script catalog entry %q: %q", id, p)
		}

		if !filepath.IsAbs(p) {
			p = filepath.Join(root, filepath.FromSlash(p))
		}

		if _, ok := c.paths[id]; !ok {
			extra = append(extra, id)
		}

		c.paths[id] = p
	}

	sort.Strings(extra)
	c.order = append(c.order, extra...)

	return c, nil
}

// Root returns the working directory of every script.
func (c *Catalog) Root() string {
	return c.root
}

// Lookup returns the path of id, checking that it exists.
func (c *Catalog) Lookup(id string) (string, error) {
	p, ok := c.paths[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownScript, id)
	}

	if _, err := os.Stat(p); err != nil {
		return p, fmt.Errorf("%w: %s", ErrScriptMissing, p)
	}

	return p, nil
}

// List returns every entry in catalog order.
func (c *Catalog) List() []Metadata {
	list := make([]Metadata, 0, len(c.order))

	for _, id := range c.order {
		p := c.paths[id]
		_, err := os.Stat(p)

		list = append(list, Metadata{
			ID:     id,
			Path:   p,
			Exists: err == nil,
			Name:   filepath.Base(p),
		})
	}

	return list
}

// Command builds the supervised command running id with args.
func (c *Catalog) Command(id string, args []string) (supervisor.Command, error) {
	p, err := c.Lookup(id)
	if err != nil {
		return supervisor.Command{}, err
	}

	return supervisor.Command{
		Name:  Interpreter,
		Args:  append([]string{p}, args...),
		Dir:   c.root,
		Label: id,
	}, nil
}
