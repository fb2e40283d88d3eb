// Package bundle materializes a portable copy of a workflow: its
// description plus every input file, with absolute-path inputs rewritten
// to collision-free relative names.
package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/model"
	"github.com/msageha/cascade/internal/yaml"
)

// maxCollisionRetries bounds the rename loop so adversarial name sets
// cannot spin it forever.
const maxCollisionRetries = 10000

// NameTable maps original file names to their bundled names and back.
// Both directions are consulted on collision so two originals can never
// claim one bundled name and one original can never map to two.
type NameTable struct {
	forward map[string]string
	reverse map[string]string
}

// NewNameTable creates an empty table.
func NewNameTable() *NameTable {
	return &NameTable{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

// Translate returns the bundled name for name, assigning one on first use.
// Relative names keep themselves where possible; absolute names are reduced
// to their base name. Collisions append an incrementing counter suffix
// until both tables are free of the candidate.
func (t *NameTable) Translate(name string) (string, error) {
	if bundled, ok := t.forward[name]; ok {
		return bundled, nil
	}

	base := name
	if filepath.IsAbs(name) {
		base = filepath.Base(name)
	}

	for i := 0; i <= maxCollisionRetries; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", base, i)
		}
		if _, taken := t.reverse[candidate]; taken {
			continue
		}
		if _, taken := t.forward[candidate]; taken && candidate != name {
			continue
		}
		t.forward[name] = candidate
		t.reverse[candidate] = name
		return candidate, nil
	}
	return "", fmt.Errorf("no collision-free name for %s after %d attempts", name, maxCollisionRetries)
}

// Collect copies every source input of the graph into destDir under its
// translated name and writes a rewritten workflow description alongside.
// It returns the original→bundled mapping of the input files.
func Collect(d *dag.Dag, w *model.Workflow, destDir string) (map[string]string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	table := NewNameTable()
	mapping := make(map[string]string)

	for _, f := range d.InputFiles() {
		bundled, err := table.Translate(f.Name)
		if err != nil {
			return nil, err
		}
		mapping[f.Name] = bundled

		dest := filepath.Join(destDir, bundled)
		if dir := filepath.Dir(dest); dir != destDir {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create bundle subdir: %w", err)
			}
		}
		if err := copyFile(f.Name, dest); err != nil {
			return nil, fmt.Errorf("bundle input %s: %w", f.Name, err)
		}
	}

	rewritten, err := rewrite(w, table)
	if err != nil {
		return nil, err
	}
	specPath := filepath.Join(destDir, "workflow.yaml")
	if err := yaml.AtomicWrite(specPath, rewritten); err != nil {
		return nil, fmt.Errorf("write bundled workflow: %w", err)
	}
	return mapping, nil
}

// rewrite translates every file reference in the workflow description.
// Produced files also go through the table so they cannot collide with a
// renamed input.
func rewrite(w *model.Workflow, table *NameTable) (*model.Workflow, error) {
	out := &model.Workflow{
		Rules:        make([]model.Rule, len(w.Rules)),
		Deliverables: make([]string, 0, len(w.Deliverables)),
	}
	for i, r := range w.Rules {
		nr := r
		nr.Inputs = nil
		nr.Outputs = nil
		for _, in := range r.Inputs {
			name, err := table.Translate(in)
			if err != nil {
				return nil, err
			}
			nr.Inputs = append(nr.Inputs, name)
		}
		for _, outName := range r.Outputs {
			name, err := table.Translate(outName)
			if err != nil {
				return nil, err
			}
			nr.Outputs = append(nr.Outputs, name)
		}
		out.Rules[i] = nr
	}
	for _, name := range w.Deliverables {
		translated, err := table.Translate(name)
		if err != nil {
			return nil, err
		}
		out.Deliverables = append(out.Deliverables, translated)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
