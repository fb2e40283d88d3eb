package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// Workflow is the structured description of one run: the already-parsed
// form of a workflow. Textual workflow languages are parsed into this shape
// by external tools; the engine itself never sees their syntax.
type Workflow struct {
	Rules []Rule `yaml:"rules"`
	// Deliverables lists files that are final outputs of the workflow and
	// must never be garbage-collected.
	Deliverables []string `yaml:"deliverables,omitempty"`
}

// Rule describes one task: a command plus the files it reads and writes.
type Rule struct {
	ID      int      `yaml:"id"`
	Command string   `yaml:"command"`
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs"`
	// Queue binds the rule to a named backend; empty means local.
	Queue     string    `yaml:"queue,omitempty"`
	Resources Resources `yaml:"resources,omitempty"`
}

// Resources are per-rule resource hints forwarded to the backend.
type Resources struct {
	Cores    int `yaml:"cores,omitempty"`
	MemoryMB int `yaml:"memory_mb,omitempty"`
	DiskMB   int `yaml:"disk_mb,omitempty"`
}

// LoadWorkflow reads a structured workflow file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	var w Workflow
	if err := yamlv3.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if len(w.Rules) == 0 {
		return nil, fmt.Errorf("workflow %s: no rules", path)
	}
	return &w, nil
}
