package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the raw form of a task definition.
//
// Flag fields are typed any so that a non-boolean value can be reported
// by Build instead of being silently coerced by the decoder.
type Spec struct {
	Name            string         `json:"name" yaml:"name"`
	Steps           []StepSpec     `json:"steps" yaml:"steps"`
	ContinueOnError any            `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	Data            map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// StepSpec is the raw form of a step or sub-step. Input maps data paths to
// method-input paths; Output maps result paths to data paths.
type StepSpec struct {
	Method          string         `json:"method" yaml:"method"`
	Input           map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty" yaml:"output,omitempty"`
	Retry           any            `json:"retry,omitempty" yaml:"retry,omitempty"`
	Check           *StepSpec      `json:"check,omitempty" yaml:"check,omitempty"`
	Error           *StepSpec      `json:"error,omitempty" yaml:"error,omitempty"`
	Reverse         *StepSpec      `json:"reverse,omitempty" yaml:"reverse,omitempty"`
	IgnoreError     any            `json:"ignoreError,omitempty" yaml:"ignoreError,omitempty"`
	ContinueOnError any            `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
}

type plainStepSpec StepSpec

// UnmarshalJSON accepts either a step object or a bare method name.
func (s *StepSpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*s = StepSpec{Method: name}
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("step must be object or string")
	}
	var p plainStepSpec
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*s = StepSpec(p)
	return nil
}

// UnmarshalYAML accepts either a step mapping or a bare method name.
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() != "!!str" {
			return fmt.Errorf("line %d: step must be object or string", node.Line)
		}
		*s = StepSpec{Method: node.Value}
		return nil
	case yaml.MappingNode:
		var p plainStepSpec
		if err := node.Decode(&p); err != nil {
			return err
		}
		*s = StepSpec(p)
		return nil
	default:
		return fmt.Errorf("line %d: step must be object or string", node.Line)
	}
}

// ParseSpecs decodes one or more task specs from a YAML stream. Documents
// are separated by "---". JSON input is accepted as well.
func ParseSpecs(r io.Reader) ([]Spec, error) {
	dec := yaml.NewDecoder(r)
	var specs []Spec
	for {
		var spec Spec
		err := dec.Decode(&spec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse task spec: %w", err)
		}
		if spec.Name == "" && len(spec.Steps) == 0 {
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadFile reads every task spec in a YAML or JSON file.
func LoadFile(path string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	specs, err := ParseSpecs(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// LoadDir reads every *.yaml, *.yml and *.json file in dir, in name order.
func LoadDir(dir string) ([]Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var specs []Spec
	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		specs = append(specs, loaded...)
	}
	return specs, nil
}
