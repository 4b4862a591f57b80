package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gmadsen/syncd/internal/metrics"
)

var (
	historyN    int
	historyName string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recorded metric events",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := metrics.NewSQLiteCollector(filepath.Join(cfg.LogDir, "metrics.db"))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		events, err := c.Recent(historyName, historyN)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Println("no history yet")
			return nil
		}

		for _, e := range events {
			fmt.Printf("[%s] %-24s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Name, e.Value)
		}

		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyN, "n", 20, "number of history entries to show")
	historyCmd.Flags().StringVar(&historyName, "name", "", "filter by metric name")
	rootCmd.AddCommand(historyCmd)
}
