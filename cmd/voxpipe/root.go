package main

import (
	"voxpipe/pkg/logger"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "voxpipe",
		Short:         "Transcribe WhatsApp diary audio into the document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Configuration file path (default $VOXPIPE_CONFIG or configs/config.yaml)")

	rootCmd.AddCommand(
		newRunCommand(a),
		newSweepCommand(a),
		newConsumeCommand(a),
		newEnqueueCommand(a),
		newResetCommand(a),
		newStatusCommand(a),
		newExportCommand(a),
		newCleanupCommand(a),
		newMigrateCommand(a),
		newImportCommand(a),
		newBotCommand(a),
	)
	return rootCmd
}
