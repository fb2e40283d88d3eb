// Command cascade-analyze inspects a workflow without executing it: graph
// statistics, input/output listings, a syntax-only check, and portable
// bundle creation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/cascade/internal/bundle"
	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/model"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cascade-analyze: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		bundleDir   string
		showStats   bool
		showInputs  bool
		showOutputs bool
		syntaxOnly  bool
	)

	cmd := &cobra.Command{
		Use:           "cascade-analyze [flags] <workflow.yaml>",
		Short:         "Analyze a workflow without executing it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := model.LoadWorkflow(args[0])
			if err != nil {
				return err
			}
			d, err := dag.Build(w)
			if err != nil {
				return err
			}

			switch {
			case syntaxOnly:
				fmt.Printf("%s: syntax OK\n", args[0])
			case bundleDir != "":
				mapping, err := bundle.Collect(d, w, bundleDir)
				if err != nil {
					return err
				}
				for _, f := range d.InputFiles() {
					fmt.Printf("%s\t%s\n", f.Name, mapping[f.Name])
				}
			case showInputs:
				for _, f := range d.InputFiles() {
					fmt.Println(f.Name)
				}
			case showOutputs:
				for _, f := range d.OutputFiles() {
					fmt.Println(f.Name)
				}
			case showStats:
				fmt.Printf("num_of_tasks\t%d\n", d.TaskCount())
				fmt.Printf("depth\t%d\n", d.Depth())
				fmt.Printf("width\t%d\n", d.Width())
			default:
				return fmt.Errorf("nothing to do: pass one of --analyze-exec, --show-input, --show-output, --syntax-check, --bundle-dir")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&bundleDir, "bundle-dir", "b", "", "create a portable bundle of the workflow in this directory")
	cmd.Flags().BoolVarP(&showStats, "analyze-exec", "i", false, "show graph statistics (task count, depth, width)")
	cmd.Flags().BoolVarP(&showInputs, "show-input", "I", false, "list input files")
	cmd.Flags().BoolVarP(&showOutputs, "show-output", "O", false, "list output files")
	cmd.Flags().BoolVarP(&syntaxOnly, "syntax-check", "k", false, "check the workflow loads, then exit")
	return cmd
}
