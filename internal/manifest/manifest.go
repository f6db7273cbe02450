// Package manifest reads the optional .pr-preview.yaml a repository can carry
// to describe how its preview is set up and started.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileNames are looked up in the workspace root, in order
var FileNames = []string{".pr-preview.yaml", ".pr-preview.yml"}

// Argv is a command as an argument vector. In YAML it may be written as a
// list or as a single string, which is split on whitespace without any shell
// interpretation.
type Argv []string

// UnmarshalYAML accepts both forms
func (a *Argv) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*a = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*a = parts
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", node.Line)
}

// Manifest is the file contents
type Manifest struct {
	Start Argv              `yaml:"start"`
	Setup []Argv            `yaml:"setup"`
	Env   map[string]string `yaml:"env"`
	PTY   *bool             `yaml:"pty"`

	Path string `yaml:"-"`
}

// Plan is the manifest merged over the configured defaults
type Plan struct {
	Start  []string
	Setup  [][]string
	Env    []string // KEY=VALUE, sorted
	UsePTY bool
	Source string // manifest path, empty when defaults were used
}

// Defaults are the configured fallbacks
type Defaults struct {
	Start  []string
	Setup  [][]string
	Env    map[string]string
	UsePTY bool
}

// Load reads the manifest from dir. It returns nil without error when the
// repository has none.
func Load(dir string) (*Manifest, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return Parse(path, data)
	}
	return nil, nil
}

// Parse decodes manifest data; path is used for error messages
func Parse(path string, data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	m.Path = path
	return &m, nil
}

// Resolve merges m (which may be nil) over d and validates the result
func Resolve(m *Manifest, d Defaults) (*Plan, error) {
	p := &Plan{
		Start:  append([]string(nil), d.Start...),
		UsePTY: d.UsePTY,
	}
	for _, s := range d.Setup {
		p.Setup = append(p.Setup, append([]string(nil), s...))
	}
	env := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		env[k] = v
	}

	if m != nil {
		p.Source = m.Path
		if len(m.Start) > 0 {
			p.Start = m.Start
		}
		if m.Setup != nil {
			p.Setup = nil
			for _, s := range m.Setup {
				p.Setup = append(p.Setup, s)
			}
		}
		for k, v := range m.Env {
			env[k] = v
		}
		if m.PTY != nil {
			p.UsePTY = *m.PTY
		}
	}

	if len(p.Start) == 0 {
		return nil, errors.New("no start command configured")
	}
	if err := checkArgv("start", p.Start); err != nil {
		return nil, err
	}
	for i, s := range p.Setup {
		if len(s) == 0 {
			return nil, fmt.Errorf("setup[%d]: empty command", i)
		}
		if err := checkArgv(fmt.Sprintf("setup[%d]", i), s); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, fmt.Errorf("env: invalid variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Env = append(p.Env, k+"="+env[k])
	}
	return p, nil
}

func checkArgv(field string, argv []string) error {
	for _, a := range argv {
		if strings.ContainsRune(a, 0) {
			return fmt.Errorf("%s: argument contains a NUL byte", field)
		}
	}
	return nil
}
