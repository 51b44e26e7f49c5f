// Package language holds the table of supported languages.
//
// Each language is a plain Profile record: base image, source file
// extension, optional build command, run command, and optional manifest
// and dependency install instructions. The built-in table is embedded from
// languages.yaml and can be overridden or extended from configuration.
package language

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/isdmx/execbox/config"
)

// ErrUnsupportedLanguage is returned by Lookup when no profile matches.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// SourceBaseName is the file name, without extension, of the submitted source.
const SourceBaseName = "Solution"

//go:embed languages.yaml
var builtinTable []byte

// Manifest is a project file generated into the image before dependencies
// are installed, e.g. package.json for TypeScript.
type Manifest struct {
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Install  string `yaml:"install"`
}

// Dependencies describes how a language installs caller-supplied packages:
// the list is written one per line to File and Install runs at image build.
type Dependencies struct {
	File    string `yaml:"file"`
	Install string `yaml:"install"`
}

// Profile is the runtime profile of one language
type Profile struct {
	Name          string            `yaml:"-"`
	Image         string            `yaml:"image"`
	FileExtension string            `yaml:"file_extension"`
	BuildCommand  string            `yaml:"build_command"`
	RunCommand    string            `yaml:"run_command"`
	Manifest      *Manifest         `yaml:"manifest"`
	Dependencies  *Dependencies     `yaml:"dependencies"`
	Environment   map[string]string `yaml:"environment"`
}

// SourceFile returns the name the submitted code is written under.
func (p Profile) SourceFile() string {
	return SourceBaseName + "." + p.FileExtension
}

// RequiresManifest reports whether a manifest is generated for this language.
func (p Profile) RequiresManifest() bool {
	return p.Manifest != nil && p.Manifest.Template != ""
}

// SupportsDependencies reports whether the language can install packages.
func (p Profile) SupportsDependencies() bool {
	return p.Dependencies != nil && p.Dependencies.File != "" && p.Dependencies.Install != ""
}

// Command returns the shell command executed inside the container.
func (p Profile) Command() string {
	if p.BuildCommand == "" {
		return p.RunCommand
	}
	return p.BuildCommand + " && " + p.RunCommand
}

func (p Profile) validate() error {
	switch {
	case p.Image == "":
		return fmt.Errorf("language %q: image is required", p.Name)
	case p.FileExtension == "":
		return fmt.Errorf("language %q: file_extension is required", p.Name)
	case strings.ContainsAny(p.FileExtension, "./\\ "):
		return fmt.Errorf("language %q: invalid file_extension %q", p.Name, p.FileExtension)
	case p.RunCommand == "":
		return fmt.Errorf("language %q: run_command is required", p.Name)
	case p.Manifest != nil && (p.Manifest.Name == "" || strings.ContainsAny(p.Manifest.Name, "/\\")):
		return fmt.Errorf("language %q: invalid manifest name %q", p.Name, p.Manifest.Name)
	case p.Dependencies != nil && strings.ContainsAny(p.Dependencies.File, "/\\"):
		return fmt.Errorf("language %q: invalid dependencies file %q", p.Name, p.Dependencies.File)
	}
	return nil
}

// Registry maps lower-cased language names to profiles. It is built once and
// never mutated, so lookups need no locking.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the given profiles, keyed by name.
func NewRegistry(profiles map[string]Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for name, p := range profiles {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("language name cannot be empty")
		}
		if _, exists := r.profiles[key]; exists {
			return nil, fmt.Errorf("duplicate language %q", key)
		}
		p.Name = key
		if err := p.validate(); err != nil {
			return nil, err
		}
		r.profiles[key] = p
	}
	if len(r.profiles) == 0 {
		return nil, fmt.Errorf("at least one language must be configured")
	}
	return r, nil
}

// Builtin parses the embedded language table.
func Builtin() (map[string]Profile, error) {
	profiles := make(map[string]Profile)
	if err := yaml.Unmarshal(builtinTable, &profiles); err != nil {
		return nil, fmt.Errorf("parse builtin languages: %w", err)
	}
	return profiles, nil
}

// NewFromConfig builds the registry from the built-in table merged with the
// languages section of the configuration.
func NewFromConfig(cfg *config.Config) (*Registry, error) {
	profiles, err := Builtin()
	if err != nil {
		return nil, err
	}

	for name, override := range cfg.Languages {
		key := strings.ToLower(name)
		profiles[key] = merge(profiles[key], override)
	}

	return NewRegistry(profiles)
}

func merge(p Profile, o config.Language) Profile {
	if o.Image != "" {
		p.Image = o.Image
	}
	if o.FileExtension != "" {
		p.FileExtension = o.FileExtension
	}
	if o.BuildCommand != "" {
		p.BuildCommand = o.BuildCommand
	}
	if o.RunCommand != "" {
		p.RunCommand = o.RunCommand
	}
	if len(o.Environment) > 0 {
		env := make(map[string]string, len(p.Environment)+len(o.Environment))
		for k, v := range p.Environment {
			env[k] = v
		}
		// viper lower-cases map keys; environment names are upper-case by convention.
		for k, v := range o.Environment {
			env[strings.ToUpper(k)] = v
		}
		p.Environment = env
	}
	return p
}

// Lookup returns the profile for name, ignoring case.
func (r *Registry) Lookup(name string) (Profile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, name)
	}
	return p, nil
}

// Names returns the supported language names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
