// Package profile defines the language profiles used by the sandbox runner.
package profile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	appErr "codejudge/pkg/errors"

	"gopkg.in/yaml.v3"
)

// LanguageSpec defines how to compile and run a language.
// Command templates expand {src} and {bin} to absolute paths.
type LanguageSpec struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	SourceFile     string   `yaml:"sourceFile"`
	BinaryFile     string   `yaml:"binaryFile"`
	CompileEnabled bool     `yaml:"compileEnabled"`
	CompileCmdTpl  string   `yaml:"compileCmd"`
	RunCmdTpl      string   `yaml:"runCmd"`
	Env            []string `yaml:"env"`
}

func (l LanguageSpec) validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return fmt.Errorf("language id is required")
	}
	if strings.TrimSpace(l.SourceFile) == "" {
		return fmt.Errorf("language %s: source file is required", l.ID)
	}
	if strings.TrimSpace(l.RunCmdTpl) == "" {
		return fmt.Errorf("language %s: run command is required", l.ID)
	}
	if l.CompileEnabled && strings.TrimSpace(l.CompileCmdTpl) == "" {
		return fmt.Errorf("language %s: compile command is required", l.ID)
	}
	return nil
}

// Registry resolves language ids to specs.
type Registry struct {
	langs map[string]LanguageSpec
}

// NewRegistry validates specs and indexes them by id.
func NewRegistry(specs []LanguageSpec) (*Registry, error) {
	r := &Registry{langs: make(map[string]LanguageSpec, len(specs))}
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if spec.BinaryFile == "" {
			spec.BinaryFile = "main.bin"
		}
		if _, exists := r.langs[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate language %s", spec.ID)
		}
		r.langs[spec.ID] = spec
	}
	return r, nil
}

// Lookup returns the spec for id or LanguageNotSupported.
func (r *Registry) Lookup(id string) (LanguageSpec, error) {
	spec, ok := r.langs[id]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id)
	}
	return spec, nil
}

// IDs lists registered language ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.langs))
	for id := range r.langs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultLanguages returns the built-in profiles.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:             "cpp",
			Name:           "C++17",
			SourceFile:     "main.cpp",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "g++ -O2 -std=c++17 -o {bin} {src}",
			RunCmdTpl:      "{bin}",
		},
		{
			ID:             "c",
			Name:           "C11",
			SourceFile:     "main.c",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "gcc -O2 -std=c11 -o {bin} {src} -lm",
			RunCmdTpl:      "{bin}",
		},
		{
			ID:         "python",
			Name:       "Python 3",
			SourceFile: "main.py",
			RunCmdTpl:  "python3 {src}",
		},
	}
}

// LoadLanguages reads a yaml list of specs from path.
func LoadLanguages(path string) ([]LanguageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read language profiles: %w", err)
	}
	var doc struct {
		Languages []LanguageSpec `yaml:"languages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse language profiles: %w", err)
	}
	return doc.Languages, nil
}
