package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(daemonURL("/status"))
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var result struct {
			Running             bool `json:"running"`
			QueueSize           int  `json:"queue_size"`
			PendingTransactions int  `json:"pending_transactions"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode status response: %w", err)
		}

		fmt.Printf("running: %v\n", result.Running)
		fmt.Printf("queue size: %d\n", result.QueueSize)
		fmt.Printf("pending transactions: %d\n", result.PendingTransactions)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
