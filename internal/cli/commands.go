package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sylvia/pkg/agent"
)

func (r *root) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tables and seed the achievement catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			if r.cfg.InMemory() {
				fmt.Fprintln(cmd.OutOrStdout(), "no database configured; in-memory stores need no migration")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}
}

var errAgentFailed = errors.New("agent run failed")

func (r *root) newTriggerCmd() *cobra.Command {
	var (
		userID, taskID, runKey, trigger string
	)
	cmd := &cobra.Command{
		Use:       "trigger planner|assessor|analyzer",
		Short:     "Run one agent now and print its result",
		Long:      "Runs an agent directly, bypassing the event stream. The planner and\nassessor need --task; the analyzer needs --user.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"planner", "assessor", "analyzer"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "planner", "assessor":
				if taskID == "" {
					return fmt.Errorf("%s: --task is required", args[0])
				}
			case "analyzer":
				if userID == "" {
					return errors.New("analyzer: --user is required")
				}
			}

			ctx := cmd.Context()
			a, err := r.openAgents(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			var (
				res    any
				result agent.Result
			)
			switch args[0] {
			case "planner":
				pr, err := a.orch.TriggerPlanner(ctx, agent.PlannerInput{TaskID: taskID, UserID: userID})
				if err != nil {
					return err
				}
				res, result = pr, pr.Result
			case "assessor":
				ar, err := a.orch.TriggerAssessor(ctx, agent.AssessorInput{TaskID: taskID, UserID: userID})
				if err != nil {
					return err
				}
				res, result = ar, ar.Result
			case "analyzer":
				an, err := a.orch.TriggerAnalyzer(ctx, agent.AnalyzerInput{
					UserID: userID, TaskID: taskID, Type: agent.Trigger(trigger), RunKey: runKey,
				})
				if err != nil {
					return err
				}
				res, result = an, an.Result
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("%s: %w: %s", args[0], errAgentFailed, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task id")
	cmd.Flags().StringVar(&trigger, "type", string(agent.TriggerManual), "analysis trigger type")
	cmd.Flags().StringVar(&runKey, "run-key", "", "analysis run key; runs sharing a key reuse finished steps")
	return cmd
}

func (r *root) newDailyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daily",
		Short: "Run the analyzer once for every active user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.openAgents(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			sum, err := a.orch.RunDailyAnalysis(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}
