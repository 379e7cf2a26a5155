package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"redub/internal/config"
	"redub/internal/layout"
	"redub/internal/review"
	"redub/internal/store"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and decide review tasks",
	}

	reviewCmd.AddCommand(newReviewListCommand(ctx))
	reviewCmd.AddCommand(newReviewShowCommand(ctx))
	reviewCmd.AddCommand(newReviewHistoryCommand(ctx))
	reviewCmd.AddCommand(newReviewDecideCommand(ctx, "approve", "Approve a review task"))
	reviewCmd.AddCommand(newReviewDecideCommand(ctx, "reject", "Reject a review task and re-run its stage"))
	reviewCmd.AddCommand(newReviewDecideCommand(ctx, "request-changes", "Send a task back with feedback for the next attempt"))

	return reviewCmd
}

// withCoordinator wires the review coordinator for one command.
func withCoordinator(c *commandContext, fn func(cfg *config.Config, st *store.Store, coord *review.Coordinator) error) error {
	return c.withStore(func(cfg *config.Config, st *store.Store) error {
		logger, err := newCLILogger(cfg)
		if err != nil {
			return err
		}
		coord := review.NewCoordinator(st, layout.New(cfg), cfg, logger)
		return fn(cfg, st, coord)
	})
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review tasks awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				statuses := []store.ReviewTaskStatus{store.ReviewPending, store.ReviewInReview}
				if all {
					statuses = nil
				}
				tasks, err := st.ListReviewTasks(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No review tasks waiting")
					return nil
				}

				rows := make([][]string, 0, len(tasks))
				for _, task := range tasks {
					rows = append(rows, []string{
						fmt.Sprintf("%d", task.ID),
						task.EpisodeID,
						task.Stage,
						string(task.Status),
						task.CreatedAt.Format(time.RFC3339),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Task", "Episode", "Stage", "Status", "Created"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include decided tasks")
	return cmd
}

func newReviewShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one review task with its artifacts and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				task, err := st.GetReviewTask(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				if task == nil {
					return fmt.Errorf("review task %d not found", taskID)
				}

				// Opening a pending task claims it.
				if task.Status == store.ReviewPending {
					if err := st.MarkReviewTaskInReview(cmd.Context(), task.ID); err != nil {
						return err
					}
					task.Status = store.ReviewInReview
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Task:      %d\n", task.ID)
				fmt.Fprintf(out, "Episode:   %s\n", task.EpisodeID)
				fmt.Fprintf(out, "Stage:     %s\n", task.Stage)
				fmt.Fprintf(out, "Status:    %s\n", task.Status)
				fmt.Fprintf(out, "Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
				if task.ReviewedAt != nil {
					fmt.Fprintf(out, "Decided:   %s\n", task.ReviewedAt.Format(time.RFC3339))
				}
				if task.ReviewerNotes != "" {
					fmt.Fprintf(out, "Notes:     %s\n", task.ReviewerNotes)
				}
				if task.PromptVersionID != nil {
					version, err := st.PromptVersionByID(cmd.Context(), *task.PromptVersionID)
					if err != nil {
						return err
					}
					if version != nil {
						fmt.Fprintf(out, "Prompt:    %s v%d\n", version.Name, version.Version)
					}
				}
				for _, path := range task.ArtifactPaths {
					fmt.Fprintf(out, "Artifact:  %s\n", path)
				}
				if task.DiffPath != "" {
					fmt.Fprintf(out, "Diff:      %s\n", task.DiffPath)
					if diff, err := review.LoadDiff(task.DiffPath); err == nil && diff != nil {
						fmt.Fprintf(out, "Changes:   %d (similarity %.2f", diff.ChangeCount, diff.Similarity)
						if diff.PunctuationOnly {
							fmt.Fprint(out, ", punctuation only")
						}
						fmt.Fprintln(out, ")")
					}
				}

				history, err := st.ReviewHistory(cmd.Context(), task.ID)
				if err != nil {
					return err
				}
				for _, decision := range history {
					fmt.Fprintf(out, "  %s  %s", decision.DecidedAt.Format(time.RFC3339), decision.Decision)
					if decision.Notes != "" {
						fmt.Fprintf(out, ": %s", decision.Notes)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
}

func newReviewHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <episode-id>",
		Short: "List every review decision made for an episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				decisions, err := st.ReviewHistoryForEpisode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(decisions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No review decisions recorded")
					return nil
				}

				tasks, err := st.ReviewTasksForEpisode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				stageByTask := make(map[int64]string, len(tasks))
				for _, task := range tasks {
					stageByTask[task.ID] = task.Stage
				}

				rows := make([][]string, 0, len(decisions))
				for _, decision := range decisions {
					rows = append(rows, []string{
						fmt.Sprintf("%d", decision.ReviewTaskID),
						stageByTask[decision.ReviewTaskID],
						string(decision.Decision),
						decision.DecidedAt.Format(time.RFC3339),
						decision.Notes,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Task", "Stage", "Decision", "Decided", "Notes"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newReviewDecideCommand(ctx *commandContext, verb, short string) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withCoordinator(ctx, func(cfg *config.Config, st *store.Store, coord *review.Coordinator) error {
				var task *store.ReviewTask
				switch verb {
				case "approve":
					task, err = coord.Approve(cmd.Context(), taskID, notes)
				case "reject":
					task, err = coord.Reject(cmd.Context(), taskID, notes)
				default:
					task, err = coord.RequestChanges(cmd.Context(), taskID, notes)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %d (%s/%s) is now %s\n",
					task.ID, task.EpisodeID, task.Stage, task.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&notes, "notes", "n", "", "Reviewer notes (feedback for request-changes)")
	return cmd
}

func parseTaskID(raw string) (int64, error) {
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || taskID < 1 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return taskID, nil
}
