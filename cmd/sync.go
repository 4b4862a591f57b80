package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/engine"
	"github.com/gmadsen/syncd/internal/logger"
	"github.com/gmadsen/syncd/internal/metrics"
	"github.com/gmadsen/syncd/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync every file under source_root once, then exit",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	mem := metrics.NewMemory()
	e, err := engine.New(cfg, mem)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}

	logger.Log.Info("starting full sync",
		zap.String("src", cfg.SourceRoot), zap.String("dst", cfg.DestinationRoot))

	var paths []string
	err = filepath.WalkDir(cfg.SourceRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		e.Stop()
		return err
	}

	e.BatchSync(paths, model.PriorityNormal)

	for i := 0; i < 600 && (e.QueueSize() > 0 || len(e.PendingTransactions()) > 0); i++ {
		time.Sleep(500 * time.Millisecond)
	}

	e.Stop()

	var completed, failed int
	for _, m := range mem.Collect() {
		switch m.Name {
		case "tx_completed":
			completed++
		case "retry_exhausted":
			failed++
		}
	}

	fmt.Printf("done: %d completed, %d failed\n", completed, failed)
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
