package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"redub/internal/services/youtube"
)

func newYouTubeCommand(ctx *commandContext) *cobra.Command {
	youtubeCmd := &cobra.Command{
		Use:   "youtube",
		Short: "YouTube account utilities",
	}
	youtubeCmd.AddCommand(newYouTubeAuthCommand(ctx))
	return youtubeCmd
}

func newYouTubeAuthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize the upload account and store the OAuth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client := youtube.NewClient(youtube.Config{
				ClientSecretsFile: cfg.Publish.ClientSecretsFile,
				TokenFile:         cfg.Publish.TokenFile,
				CategoryID:        cfg.Publish.CategoryID,
				BaseURL:           cfg.Publish.BaseURL,
				Timeout:           time.Duration(cfg.Publish.TimeoutSeconds) * time.Second,
			})

			url, err := client.AuthURL()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in a browser and grant upload access:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  %s\n", url)
			fmt.Fprintln(out)
			fmt.Fprint(out, "Paste the authorization code: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read authorization code: %w", err)
				}
				return errors.New("no authorization code provided")
			}
			code := strings.TrimSpace(scanner.Text())
			if code == "" {
				return errors.New("no authorization code provided")
			}

			if err := client.Exchange(cmd.Context(), code); err != nil {
				return err
			}
			fmt.Fprintf(out, "Token saved to %s\n", cfg.Publish.TokenFile)
			return nil
		},
	}
}
