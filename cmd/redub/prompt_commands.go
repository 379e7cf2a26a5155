package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"redub/internal/config"
	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/store"
	"redub/internal/textutil"
)

func newPromptCommand(ctx *commandContext) *cobra.Command {
	promptCmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage prompt template versions",
	}

	promptCmd.AddCommand(newPromptRegisterCommand(ctx))
	promptCmd.AddCommand(newPromptPromoteCommand(ctx))
	promptCmd.AddCommand(newPromptShowCommand(ctx))
	promptCmd.AddCommand(newPromptHistoryCommand(ctx))

	return promptCmd
}

// withRegistry wires the prompt registry for one command.
func withRegistry(c *commandContext, fn func(cfg *config.Config, registry *prompts.Registry) error) error {
	return c.withStore(func(cfg *config.Config, st *store.Store) error {
		return fn(cfg, prompts.NewRegistry(st, cfg, logging.NewNop()))
	})
}

func newPromptRegisterCommand(ctx *commandContext) *cobra.Command {
	var file string
	var promote bool

	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register the template file as a new prompt version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(ctx, func(cfg *config.Config, registry *prompts.Registry) error {
				name := strings.TrimSpace(args[0])
				path := strings.TrimSpace(file)
				if path == "" {
					path = registry.TemplatePath(name)
				}

				version, created, err := registry.Register(cmd.Context(), name, path, promote)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if created {
					fmt.Fprintf(out, "Registered %s v%d\n", version.Name, version.Version)
				} else {
					fmt.Fprintf(out, "Content already registered as %s v%d\n", version.Name, version.Version)
				}
				if version.IsDefault {
					fmt.Fprintf(out, "%s v%d is the default\n", version.Name, version.Version)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Template file (defaults to <prompt_dir>/<name>.md)")
	cmd.Flags().BoolVar(&promote, "promote", false, "Make the registered version the default")
	return cmd
}

func newPromptPromoteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <name> <version>",
		Short: "Make a registered prompt version the default",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			return withRegistry(ctx, func(cfg *config.Config, registry *prompts.Registry) error {
				if err := registry.Promote(cmd.Context(), args[0], version); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Prompt %s default is now v%d\n", args[0], version)
				return nil
			})
		},
	}
}

func newPromptShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name> <version>",
		Short: "Show one registered prompt version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.Atoi(args[1])
			if err != nil || number < 1 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			return withRegistry(ctx, func(cfg *config.Config, registry *prompts.Registry) error {
				version, err := registry.Version(cmd.Context(), args[0], number)
				if err != nil {
					return err
				}
				if version == nil {
					return fmt.Errorf("prompt %q version %d not found", args[0], number)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Prompt:     %s v%d\n", version.Name, version.Version)
				fmt.Fprintf(out, "Default:    %s\n", textutil.Ternary(version.IsDefault, "yes", "no"))
				fmt.Fprintf(out, "Hash:       %s\n", version.ContentHash)
				fmt.Fprintf(out, "Template:   %s\n", version.TemplatePath)
				if version.Model != "" {
					fmt.Fprintf(out, "Model:      %s\n", version.Model)
				}
				if version.ModelParams != "" {
					fmt.Fprintf(out, "Params:     %s\n", version.ModelParams)
				}
				if version.Notes != "" {
					fmt.Fprintf(out, "Notes:      %s\n", version.Notes)
				}
				fmt.Fprintf(out, "Registered: %s\n", version.CreatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newPromptHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List the registered versions of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(ctx, func(cfg *config.Config, registry *prompts.Registry) error {
				versions, err := registry.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No versions registered for %s\n", args[0])
					return nil
				}

				rows := make([][]string, 0, len(versions))
				for _, version := range versions {
					hash := version.ContentHash
					if len(hash) > 12 {
						hash = hash[:12]
					}
					rows = append(rows, []string{
						fmt.Sprintf("v%d", version.Version),
						textutil.Ternary(version.IsDefault, "yes", "no"),
						hash,
						version.CreatedAt.Format(time.RFC3339),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Version", "Default", "Hash", "Registered"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}
