package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the daemon and print how to start it again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resp, err := http.Post(daemonURL("/stop"), "application/json", nil); err == nil {
			defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)
			time.Sleep(500 * time.Millisecond)
		}

		fmt.Println("run 'syncd start' to bring the daemon back up")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restartCmd)
}
