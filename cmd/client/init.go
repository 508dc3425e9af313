package main

import (
	"fmt"

	"github.com/openmined/treesync/internal/client/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

// newInitCmd writes the flags it is given to the config file so later runs
// only need `treesync`.
func newInitCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Save sync settings to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Path = resolveConfigPath(cmd)
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if err := cfg.Save(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "treesync initialized")
			fmt.Fprintf(out, "Config Path: %s\n", green.Render(cfg.Path))
			fmt.Fprintf(out, "Dir:         %s\n", cyan.Render(cfg.Dir))
			fmt.Fprintf(out, "App:         %s\n", cyan.Render(cfg.AppID))
			fmt.Fprintf(out, "Server:      %s\n", cyan.Render(cfg.ServerURL))
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&cfg.Dir, "dir", "d", "", "Directory to sync")
	cmd.Flags().StringVarP(&cfg.AppID, "app", "a", "", "Application id on the server")
	cmd.Flags().StringVarP(&cfg.ServerURL, "server", "s", config.DefaultServerURL, "Sync server URL")
	cmd.Flags().StringVar(&cfg.AccessToken, "token", "", "Access token for the sync server")
	cmd.Flags().IntVar(&cfg.PublishDebounceMs, "debounce", config.DefaultPublishDebounceMs, "Publish debounce in milliseconds")
	cmd.Flags().IntVar(&cfg.StabilityThresholdMs, "stability", config.DefaultStabilityThresholdMs, "Write stability threshold in milliseconds")
	cmd.Flags().IntVar(&cfg.PollIntervalMs, "poll", config.DefaultPollIntervalMs, "Write stability poll interval in milliseconds")

	return cmd
}
