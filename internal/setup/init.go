// Package setup scaffolds a new workflow directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/cascade/internal/model"
	"github.com/msageha/cascade/internal/yaml"
)

// ConfigName is the engine configuration file created in the workflow dir.
const ConfigName = "cascade.yaml"

// WorkflowName is the example workflow description created in the dir.
const WorkflowName = "workflow.yaml"

// Run creates a workflow directory with a default engine configuration and
// a small runnable example workflow. Existing files are never overwritten.
func Run(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve workflow dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}

	for _, name := range []string{ConfigName, WorkflowName} {
		if _, err := os.Stat(filepath.Join(absDir, name)); err == nil {
			return fmt.Errorf("%s already exists in %s", name, absDir)
		}
	}

	cfg := model.DefaultConfig()
	if err := yaml.AtomicWrite(filepath.Join(absDir, ConfigName), cfg); err != nil {
		return fmt.Errorf("write %s: %w", ConfigName, err)
	}

	w := exampleWorkflow()
	if err := yaml.AtomicWrite(filepath.Join(absDir, WorkflowName), w); err != nil {
		return fmt.Errorf("write %s: %w", WorkflowName, err)
	}

	if err := os.WriteFile(filepath.Join(absDir, "hello.txt"), []byte("hello\n"), 0644); err != nil {
		return fmt.Errorf("write example input: %w", err)
	}
	return nil
}

// exampleWorkflow is a two-step chain over the generated hello.txt: count
// its words, then wrap the count in a report. The intermediate count file
// is reclaimed, the report is a deliverable.
func exampleWorkflow() *model.Workflow {
	return &model.Workflow{
		Rules: []model.Rule{
			{
				ID:      1,
				Command: "wc -w < hello.txt > count.txt",
				Inputs:  []string{"hello.txt"},
				Outputs: []string{"count.txt"},
			},
			{
				ID:      2,
				Command: "printf 'words: %s\\n' \"$(cat count.txt)\" > report.txt",
				Inputs:  []string{"count.txt"},
				Outputs: []string{"report.txt"},
			},
		},
		Deliverables: []string{"report.txt"},
	}
}
