package commands

import (
	"fmt"

	"github.com/opd-ai/securechannel/config"
	"github.com/spf13/cobra"
)

// init <path>: write the default configuration.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Write a default configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0])
			return nil
		},
	}
}
