package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "persona-bot",
		Short: "Relay Discord messages under user-selected personas",
		Long: `persona-bot reposts guild messages under the persona each user has applied,
then deletes the original. Personas are managed with the /persona command.

Configuration is read from --config, $` + envConfigFile + `, ` + defaultConfigFilePath + `
or ` + alternateConfigFilePath + `, in that order.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the bot config file")

	rootCmd.AddCommand(newPersonasCmd(&configFile))

	return rootCmd
}
