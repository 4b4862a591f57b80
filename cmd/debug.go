package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gmadsen/syncd/internal/logger"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Run the daemon in the foreground with debug logging",
	RunE: func(cmd *cobra.Command, args []string) error {
		debug = true
		logger.Init(true)
		return runStart(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(debugCmd)
}
