// Package prompts loads the templates the enrichment flow renders for the
// extraction and supervisor model calls.
package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names every run needs.
const (
	Extraction = "extraction"
	Supervisor = "supervisor"
)

// Required lists the templates a Set must contain.
var Required = []string{Extraction, Supervisor}

const manifestName = "manifest.yaml"

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
}

// ErrPromptLoadFailed marks any failure to load a required template. Callers
// test for it with errors.Is; the concrete error is a *LoadError.
var ErrPromptLoadFailed = errors.New("prompt load failed")

// LoadError reports which template could not be loaded and why.
type LoadError struct {
	Name string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("prompt %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("prompt %q (%s): %v", e.Name, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrPromptLoadFailed }

// Manifest maps template names to files relative to the prompt directory.
type Manifest struct {
	Version   int               `yaml:"version"`
	Templates map[string]string `yaml:"templates"`
}

// Set is a loaded, parsed collection of templates.
type Set struct {
	templates map[string]*template.Template
}

// Loader reads a Set from a directory. When the directory has no
// manifest.yaml each required template is expected at <name>.tmpl.
type Loader struct {
	Dir string
}

// Load reads and parses every template named by the manifest plus all
// required ones. It is called once per run so edits take effect without a
// restart.
func (l Loader) Load() (*Set, error) {
	m, err := l.manifest()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(m.Templates))
	for name := range m.Templates {
		names = append(names, name)
	}
	sort.Strings(names)

	set := &Set{templates: make(map[string]*template.Template, len(names))}
	for _, name := range names {
		path := m.Templates[name]
		if !filepath.IsAbs(path) {
			path = filepath.Join(l.Dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Name: name, Path: path, Err: err}
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, &LoadError{Name: name, Path: path, Err: errors.New("template is empty")}
		}
		tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(string(data))
		if err != nil {
			return nil, &LoadError{Name: name, Path: path, Err: err}
		}
		set.templates[name] = tmpl
	}
	return set, nil
}

func (l Loader) manifest() (Manifest, error) {
	if strings.TrimSpace(l.Dir) == "" {
		return Manifest{}, &LoadError{Name: manifestName, Err: errors.New("prompt directory is not configured")}
	}
	path := filepath.Join(l.Dir, manifestName)
	m := Manifest{Templates: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Manifest{}, &LoadError{Name: manifestName, Path: path, Err: err}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, &LoadError{Name: manifestName, Path: path, Err: fmt.Errorf("decode manifest: %w", err)}
		}
		if m.Templates == nil {
			m.Templates = make(map[string]string)
		}
	}

	for _, name := range Required {
		if strings.TrimSpace(m.Templates[name]) == "" {
			m.Templates[name] = name + ".tmpl"
		}
	}
	return m, nil
}

// Has reports whether the set contains a template called name.
func (s *Set) Has(name string) bool {
	_, ok := s.templates[name]
	return ok
}

// Render executes the named template with data.
func (s *Set) Render(name string, data any) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", &LoadError{Name: name, Err: errors.New("template not loaded")}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt %q: %w", name, err)
	}
	return buf.String(), nil
}
