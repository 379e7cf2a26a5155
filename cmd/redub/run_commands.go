package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/pipeline"
	"redub/internal/stage"
	"redub/internal/store"
)

// withLockedExecutor wires an executor and holds the process lock for the
// duration, so a batch run and the daemon never walk the store at once.
func withLockedExecutor(c *commandContext, fn func(cfg *config.Config, st *store.Store, exec *pipeline.Executor) error) error {
	return c.withExecutor(func(cfg *config.Config, st *store.Store, exec *pipeline.Executor) error {
		lock, err := jobs.Acquire(cfg.Paths.DataDir)
		if err != nil {
			return err
		}
		defer lock.Release()
		return fn(cfg, st, exec)
	})
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var stageName string
	var force bool

	cmd := &cobra.Command{
		Use:   "run <episode-id>",
		Short: "Walk one episode through its pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockedExecutor(ctx, func(cfg *config.Config, st *store.Store, exec *pipeline.Executor) error {
				out := cmd.OutOrStdout()

				if stageName != "" {
					result, err := exec.RunStage(cmd.Context(), args[0], stageName, force)
					if err != nil {
						return err
					}
					printStageLine(out, args[0], *result)
					if result.Status == stage.ResultFailed {
						return fmt.Errorf("stage %s failed", stageName)
					}
					return nil
				}

				report, err := exec.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printReport(out, report)
				if !report.Success {
					return fmt.Errorf("episode %s stopped: %s", report.EpisodeID, report.StoppedOn)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&stageName, "stage", "", "Run a single stage or checkpoint by name")
	cmd.Flags().BoolVar(&force, "force", false, "Re-run the stage even when its outputs are current")
	return cmd
}

func newRunPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run-pending",
		Short: "Walk every episode with actionable work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockedExecutor(ctx, func(cfg *config.Config, st *store.Store, exec *pipeline.Executor) error {
				reports, err := exec.RunPending(cmd.Context())
				if err != nil {
					return err
				}
				return printBatch(cmd.OutOrStdout(), reports)
			})
		},
	}
}

func newRunLatestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run-latest [count]",
		Short: "Walk the newest pending episodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 1
			if len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed < 1 {
					return fmt.Errorf("invalid count %q", args[0])
				}
				count = parsed
			}
			return withLockedExecutor(ctx, func(cfg *config.Config, st *store.Store, exec *pipeline.Executor) error {
				reports, err := exec.RunLatest(cmd.Context(), count)
				if err != nil {
					return err
				}
				return printBatch(cmd.OutOrStdout(), reports)
			})
		},
	}
}

// printBatch prints every report and returns a non-nil error unless all
// episodes ended somewhere expected, so batch exit codes follow the walks.
func printBatch(out io.Writer, reports []*pipeline.Report) error {
	if len(reports) == 0 {
		fmt.Fprintln(out, "No pending episodes")
		return nil
	}
	failed := 0
	for _, report := range reports {
		printReport(out, report)
		if !report.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d episodes did not complete", failed, len(reports))
	}
	fmt.Fprintf(out, "%d episodes processed\n", len(reports))
	return nil
}

func printReport(out io.Writer, report *pipeline.Report) {
	for _, res := range report.Stages {
		printStageLine(out, report.EpisodeID, res)
	}
	fmt.Fprintf(out, "episode %s: %s ($%.2f spent)\n", report.EpisodeID, report.Status, report.CostUSD)
}

func printStageLine(out io.Writer, episodeID string, res stage.Result) {
	label := "OK"
	switch res.Status {
	case stage.ResultSkipped:
		label = "SKIP"
	case stage.ResultFailed:
		label = "FAIL"
	}
	reason := res.Stage
	if res.Detail != "" {
		reason = fmt.Sprintf("%s (%s)", res.Stage, res.Detail)
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", label, episodeID, reason)
}
