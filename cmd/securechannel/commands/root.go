package commands

import (
	"github.com/opd-ai/securechannel/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "securechannel",
		Short:         "End-to-end encrypted channels over routed messages",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := loaded.SetupLogging(); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (defaults and SECURECHANNEL_* env when empty)")

	root.AddCommand(initCmd(), serverCmd(), clientCmd())
	return root
}
