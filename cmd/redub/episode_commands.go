package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"redub/internal/config"
	"redub/internal/costs"
	"redub/internal/language"
	"redub/internal/review"
	"redub/internal/store"
	"redub/internal/textutil"
)

func newEpisodeCommand(ctx *commandContext) *cobra.Command {
	episodeCmd := &cobra.Command{
		Use:   "episode",
		Short: "Manage pipeline episodes",
	}

	episodeCmd.AddCommand(newEpisodeAddCommand(ctx))
	episodeCmd.AddCommand(newEpisodeListCommand(ctx))
	episodeCmd.AddCommand(newEpisodeShowCommand(ctx))
	episodeCmd.AddCommand(newEpisodeRetryCommand(ctx))
	episodeCmd.AddCommand(newEpisodeCostsCommand(ctx))
	episodeCmd.AddCommand(newEpisodeRemoveCommand(ctx))

	return episodeCmd
}

func newEpisodeAddCommand(ctx *commandContext) *cobra.Command {
	var id string
	var title string
	var version int

	cmd := &cobra.Command{
		Use:   "add <source-url>",
		Short: "Add an episode at the start of the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				sourceURL := strings.TrimSpace(args[0])
				if sourceURL == "" {
					return fmt.Errorf("source url is required")
				}

				existing, err := st.FindEpisodeBySourceURL(cmd.Context(), sourceURL)
				if err != nil {
					return err
				}
				if existing != nil {
					return fmt.Errorf("source already queued as episode %s", existing.ID)
				}

				// Episode IDs name directories under the library root.
				episodeID := textutil.SanitizeToken(strings.TrimSpace(id))
				if strings.TrimSpace(id) == "" {
					episodeID = uuid.NewString()
				}
				pipelineVersion := version
				if pipelineVersion == 0 {
					pipelineVersion = cfg.Pipeline.Version
				}

				ep, err := st.CreateEpisode(cmd.Context(), &store.Episode{
					ID:              episodeID,
					Title:           strings.TrimSpace(title),
					SourceURL:       sourceURL,
					PipelineVersion: pipelineVersion,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added episode %s (pipeline v%d)\n", ep.ID, ep.PipelineVersion)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Episode identifier (generated when omitted)")
	cmd.Flags().StringVar(&title, "title", "", "Episode title")
	cmd.Flags().IntVar(&version, "pipeline-version", 0, "Stage graph version (defaults to config)")
	return cmd
}

func newEpisodeListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List episodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				var statuses []store.EpisodeStatus
				for _, raw := range listStatuses {
					status, ok := store.ParseEpisodeStatus(raw)
					if !ok {
						return fmt.Errorf("unknown status %q", raw)
					}
					statuses = append(statuses, status)
				}

				episodes, err := st.ListEpisodes(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(episodes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No episodes")
					return nil
				}

				rows := make([][]string, 0, len(episodes))
				for _, ep := range episodes {
					rows = append(rows, []string{
						ep.ID,
						ep.Title,
						string(ep.Status),
						fmt.Sprintf("v%d", ep.PipelineVersion),
						ep.CreatedAt.Format(time.RFC3339),
					})
				}
				tableText := renderTable(
					[]string{"ID", "Title", "Status", "Pipeline", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), tableText)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by episode status (repeatable)")
	return cmd
}

func newEpisodeShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <episode-id>",
		Short: "Show one episode with its runs and review tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				ep, err := st.GetEpisode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ep == nil {
					return fmt.Errorf("episode %s not found", args[0])
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Episode:   %s\n", ep.ID)
				fmt.Fprintf(out, "Title:     %s\n", ep.Title)
				fmt.Fprintf(out, "Source:    %s\n", ep.SourceURL)
				fmt.Fprintf(out, "Pipeline:  v%d\n", ep.PipelineVersion)
				fmt.Fprintf(out, "Dub:       %s to %s\n",
					language.DisplayName(cfg.Pipeline.SourceLanguage),
					language.DisplayName(cfg.Pipeline.TargetLanguage))
				fmt.Fprintf(out, "Status:    %s\n", ep.Status)
				if gate := review.GateAt(ep.Status); gate != nil {
					task, err := st.ActiveReviewTask(cmd.Context(), ep.ID, gate.Stage)
					if err != nil {
						return err
					}
					if task != nil {
						fmt.Fprintf(out, "Gate:      %s waiting on task %d (%s)\n", gate.Name, task.ID, task.Status)
					}
				}
				if ep.ResumeStatus != "" {
					fmt.Fprintf(out, "Resumes:   %s\n", ep.ResumeStatus)
				}
				if ep.ErrorMessage != "" {
					fmt.Fprintf(out, "Error:     %s\n", ep.ErrorMessage)
				}
				if ep.YouTubeVideoID != "" {
					fmt.Fprintf(out, "Video:     https://youtu.be/%s\n", ep.YouTubeVideoID)
				}
				fmt.Fprintf(out, "Created:   %s\n", ep.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "Updated:   %s\n", ep.UpdatedAt.Format(time.RFC3339))

				assets, err := st.AssetsForEpisode(cmd.Context(), ep.ID)
				if err != nil {
					return err
				}
				if len(assets) > 0 {
					counts := map[store.AssetType]int{}
					var totalBytes int64
					for _, asset := range assets {
						counts[asset.AssetType]++
						totalBytes += asset.SizeBytes
					}
					fmt.Fprintf(out, "Assets:    %d images, %d audio, %d video (%.1f MB)\n",
						counts[store.AssetImage], counts[store.AssetAudio], counts[store.AssetVideo],
						float64(totalBytes)/(1024*1024))
				}

				runs, err := st.RunsForEpisode(cmd.Context(), ep.ID)
				if err != nil {
					return err
				}
				if len(runs) > 0 {
					rows := make([][]string, 0, len(runs))
					for _, run := range runs {
						detail := run.ErrorMessage
						rows = append(rows, []string{
							run.Stage,
							string(run.Status),
							fmt.Sprintf("$%.4f", run.EstimatedCostUSD),
							run.StartedAt.Format(time.RFC3339),
							detail,
						})
					}
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderTable(
						[]string{"Stage", "Status", "Cost", "Started", "Detail"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
					))
				}

				tasks, err := st.ReviewTasksForEpisode(cmd.Context(), ep.ID)
				if err != nil {
					return err
				}
				if len(tasks) > 0 {
					rows := make([][]string, 0, len(tasks))
					for _, task := range tasks {
						rows = append(rows, []string{
							fmt.Sprintf("%d", task.ID),
							task.Stage,
							string(task.Status),
							task.CreatedAt.Format(time.RFC3339),
						})
					}
					fmt.Fprintln(out, renderTable(
						[]string{"Task", "Stage", "Status", "Created"},
						rows,
						[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
					))
				}
				return nil
			})
		},
	}
}

func newEpisodeRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <episode-id>",
		Short: "Resume a failed or cost-limited episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				ep, err := st.RetryEpisode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Episode %s resumed at %s\n", ep.ID, ep.Status)
				return nil
			})
		},
	}
}

func newEpisodeCostsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "costs [episode-id]",
		Short: "Show per-stage spend for an episode (latest when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				var (
					ep  *store.Episode
					err error
				)
				if len(args) == 0 {
					ep, err = st.LatestEpisode(cmd.Context())
					if err != nil {
						return err
					}
					if ep == nil {
						return errors.New("no episodes in the library")
					}
				} else {
					ep, err = st.GetEpisode(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if ep == nil {
						return fmt.Errorf("episode %s not found", args[0])
					}
				}

				breakdown, err := st.CostBreakdown(cmd.Context(), ep.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Episode: %s\n", ep.ID)
				if len(breakdown) == 0 {
					fmt.Fprintln(out, "No successful runs recorded")
					return nil
				}

				var total float64
				rows := make([][]string, 0, len(breakdown))
				for _, entry := range breakdown {
					total += entry.CostUSD
					rows = append(rows, []string{
						entry.Stage,
						fmt.Sprintf("%d", entry.Runs),
						fmt.Sprintf("%d", entry.InputTokens),
						fmt.Sprintf("%d", entry.OutputTokens),
						fmt.Sprintf("$%.4f", entry.CostUSD),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Stage", "Runs", "Input Tokens", "Output Tokens", "Cost"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				guard := costs.NewGuard(cfg.Pipeline.MaxEpisodeCostUSD)
				fmt.Fprintf(out, "Total: $%.4f of $%.2f cap ($%.2f left)\n",
					total, guard.Cap(), guard.Remaining(total))
				return nil
			})
		},
	}
}

func newEpisodeRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <episode-id>",
		Short: "Delete an episode and its pipeline records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				removed, err := st.RemoveEpisode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("episode %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed episode %s\n", args[0])
				return nil
			})
		},
	}
}
