// Command cascade runs a workflow: it loads the structured workflow
// description, builds the dependency graph, and drives it to completion
// on the configured backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/engine"
	"github.com/msageha/cascade/internal/hook"
	"github.com/msageha/cascade/internal/hooks/monitor"
	"github.com/msageha/cascade/internal/model"
	"github.com/msageha/cascade/internal/setup"
	"github.com/msageha/cascade/internal/status"
)

const version = "0.3.0"

const (
	exitUsage = 1
	exitRun   = 2
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cascade: %v\n", err)
		if errors.Is(err, engine.ErrRunFailed) || errors.Is(err, engine.ErrRunAborted) {
			os.Exit(exitRun)
		}
		os.Exit(exitUsage)
	}
}

func newRootCommand() *cobra.Command {
	var dir string
	var configPath string

	root := &cobra.Command{
		Use:           "cascade",
		Short:         "cascade - file-dependency workflow execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&dir, "dir", "d", ".", "workflow directory")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <dir>/cascade.yaml)")

	var resume bool
	runCmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(dir, configPath, args[0], resume)
		},
	}
	runCmd.Flags().BoolVar(&resume, "resume", false, "restore state from the runlog before running")

	cleanCmd := &cobra.Command{
		Use:   "clean <workflow.yaml>",
		Short: "Remove all files produced by a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanWorkflow(dir, configPath, args[0])
		},
	}

	initCmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a workflow directory with defaults and an example",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := dir
			if len(args) == 1 {
				target = args[0]
			}
			return setup.Run(target)
		},
	}

	var jsonOutput bool
	statusCmd := &cobra.Command{
		Use:   "status <workflow.yaml>",
		Short: "Show recorded run state from the workflow directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return status.Run(dir, args[0], jsonOutput)
		},
	}
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cascade %s\n", version)
		},
	}

	root.AddCommand(runCmd, cleanCmd, initCmd, statusCmd, versionCmd)
	return root
}

// buildEngine loads config and workflow and builds the engine with the
// default hook set.
func buildEngine(dir, configPath, workflowPath string) (*engine.Engine, *hook.Registry, model.Config, error) {
	if configPath == "" {
		configPath = filepath.Join(dir, "cascade.yaml")
	}
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, nil, cfg, err
	}

	w, err := model.LoadWorkflow(workflowPath)
	if err != nil {
		return nil, nil, cfg, err
	}
	d, err := dag.Build(w)
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("build graph: %w", err)
	}

	reg := hook.NewRegistry()
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		reg.Register(monitor.New(promReg))
		if cfg.Metrics.Addr != "" {
			go serveMetrics(cfg.Metrics.Addr, promReg)
		}
	}

	eng, err := engine.New(dir, cfg, d, reg)
	if err != nil {
		return nil, nil, cfg, err
	}
	return eng, reg, cfg, nil
}

func runWorkflow(dir, configPath, workflowPath string, resume bool) error {
	eng, _, _, err := buildEngine(dir, configPath, workflowPath)
	if err != nil {
		return err
	}
	if resume {
		if err := eng.Resume(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

func cleanWorkflow(dir, configPath, workflowPath string) error {
	eng, _, _, err := buildEngine(dir, configPath, workflowPath)
	if err != nil {
		return err
	}
	return eng.Clean()
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "cascade: metrics listener: %v\n", err)
	}
}
