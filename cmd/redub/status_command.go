package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"redub/internal/config"
	"redub/internal/logging"
	"redub/internal/stage"
	"redub/internal/store"
	"redub/internal/textutil"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline, database, and driver status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				for _, line := range renderSectionHeader("Pipeline", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("Version", statusInfo, fmt.Sprintf("v%d", cfg.Pipeline.Version), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Languages", statusInfo, fmt.Sprintf("%s to %s", cfg.Pipeline.SourceLanguage, cfg.Pipeline.TargetLanguage), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Dry run", statusInfo, textutil.Ternary(cfg.Pipeline.DryRun, "yes", "no"), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Cost cap", statusInfo, fmt.Sprintf("$%.2f per episode", cfg.Pipeline.MaxEpisodeCostUSD), colorize))
				fmt.Fprintln(stdout)

				for _, line := range renderSectionHeader("Database", colorize) {
					fmt.Fprintln(stdout, line)
				}
				for _, line := range databaseLines(cmd.Context(), st, colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout)

				for _, line := range renderSectionHeader("Drivers", colorize) {
					fmt.Fprintln(stdout, line)
				}
				checks := buildDeps(cfg, st, logging.NewNop()).HealthChecks(cmd.Context())
				for _, line := range driverLines(checks, colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout)

				for _, line := range renderSectionHeader("Episodes", colorize) {
					fmt.Fprintln(stdout, line)
				}
				summary, err := st.Health(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, renderStatusLine("Summary", statusInfo, fmt.Sprintf("%d actionable, %d published, %d failed, %d over cap",
					summary.Actionable, summary.Published, summary.Failed, summary.CostLimit), colorize))

				stats, err := st.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := episodeStatusRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(stdout, "No episodes")
					return nil
				}
				fmt.Fprintln(stdout, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func databaseLines(ctx context.Context, st *store.Store, colorize bool) []string {
	health, err := st.CheckHealth(ctx)
	if err != nil {
		return []string{renderStatusLine("Database", statusError, err.Error(), colorize)}
	}

	lines := make([]string, 0, 4)
	switch {
	case health.Error != "":
		lines = append(lines, renderStatusLine("Database", statusError, health.Error, colorize))
	case !health.DatabaseExists:
		lines = append(lines, renderStatusLine("Database", statusWarn, fmt.Sprintf("not created yet at %s", health.DBPath), colorize))
	case !health.DatabaseReadable || !health.TableExists:
		lines = append(lines, renderStatusLine("Database", statusWarn, health.DBPath, colorize))
	default:
		lines = append(lines, renderStatusLine("Database", statusOK, health.DBPath, colorize))
	}

	if len(health.MissingColumns) > 0 {
		lines = append(lines, renderStatusLine("Schema", statusWarn, "missing columns: "+strings.Join(health.MissingColumns, ", "), colorize))
	} else if health.TableExists {
		lines = append(lines, renderStatusLine("Schema", statusOK, health.SchemaVersion, colorize))
	}

	if health.DatabaseExists && health.DatabaseReadable {
		lines = append(lines, renderStatusLine("Integrity",
			textutil.Ternary(health.IntegrityCheck, statusOK, statusWarn),
			textutil.Ternary(health.IntegrityCheck, "check passed", "check failed"), colorize))
	}
	return lines
}

func driverLines(checks map[string]stage.Health, colorize bool) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		probe := checks[name]
		kind := statusOK
		if !probe.Ready {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(name, kind, probe.Detail, colorize))
	}
	return lines
}

// episodeStatusRows orders counts along the status progression so the table
// reads top to bottom the way an episode moves.
func episodeStatusRows(stats map[store.EpisodeStatus]int) [][]string {
	order := append(store.StatusProgression(), store.StatusFailed, store.StatusCostLimit)
	rows := make([][]string, 0, len(order))
	for _, status := range order {
		count := stats[status]
		if count == 0 {
			continue
		}
		rows = append(rows, []string{string(status), fmt.Sprintf("%d", count)})
	}
	return rows
}
