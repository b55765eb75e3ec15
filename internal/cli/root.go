// Package cli is the sylvia command line: the API server, the orchestrator
// loop, schema migration and manual agent runs.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sylvia/internal/config"
	"sylvia/pkg/llm"
)

// Options customize the command tree.
type Options struct {
	// Generator replaces the configured chat model.
	Generator llm.Generator
	// LogOutput receives the process log; stderr when nil.
	LogOutput io.Writer
}

type root struct {
	opts    Options
	cfgFile string
	cfg     *config.Config
}

// NewRootCmd creates the sylvia command with all subcommands attached.
func NewRootCmd(opts Options) *cobra.Command {
	r := &root{opts: opts}
	if r.opts.LogOutput == nil {
		r.opts.LogOutput = os.Stderr
	}

	cmd := &cobra.Command{
		Use:   "sylvia",
		Short: "Event-driven task lifecycle with planning, scoring and analytics agents",
		Long: `sylvia stores tasks, announces every change on an event stream and runs
three agents off that stream: a planner that splits new tasks into subtasks,
an assessor that scores completed tasks and an analyzer that learns when
each user works best.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), r.cfgFile)
			if err != nil {
				return err
			}
			r.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&r.cfgFile, "config", "c", "", "config file (YAML); SYLVIA_* environment variables override it")

	cmd.AddCommand(
		r.newServeCmd(),
		r.newOrchestrateCmd(),
		r.newMigrateCmd(),
		r.newTriggerCmd(),
		r.newDailyCmd(),
	)
	return cmd
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd(Options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sylvia:", err)
		os.Exit(1)
	}
}

// open wires the stores for the loaded configuration.
func (r *root) open(ctx context.Context) (*app, error) {
	log := config.NewLogger(r.cfg.Log, r.opts.LogOutput)
	return stores(ctx, r.cfg, log)
}

// openAgents wires the stores, the agents and the orchestrator.
func (r *root) openAgents(ctx context.Context, daily bool) (*app, error) {
	a, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx, r.opts.Generator, daily); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
