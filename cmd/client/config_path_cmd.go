package main

import (
	"fmt"

	"github.com/openmined/treesync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigPathCmd())
}

// newConfigPathCmd prints the config file treesync would read. A hint goes to
// stderr when the file is missing so stdout stays usable in scripts.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-path",
		Short: "Print the resolved config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(cmd)
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), path); err != nil {
				return err
			}
			if !utils.FileExists(path) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", gray.Render("not created yet, run `treesync init`"))
			}
			return nil
		},
	}
}
