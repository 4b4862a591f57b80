package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/daemon"
	"github.com/gmadsen/syncd/internal/engine"
	"github.com/gmadsen/syncd/internal/logger"
	"github.com/gmadsen/syncd/internal/metrics"
	"github.com/gmadsen/syncd/internal/model"
	"github.com/gmadsen/syncd/internal/pipeline"
	"github.com/gmadsen/syncd/internal/watcher"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync daemon",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	mem := metrics.NewMemory()

	sqlite, err := metrics.NewSQLiteCollector(filepath.Join(cfg.LogDir, "metrics.db"))
	if err != nil {
		return err
	}
	defer func() { _ = sqlite.Close() }()

	collector := metrics.NewMulti(mem, sqlite)

	e, err := engine.New(cfg, collector)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}

	w, err := watcher.New(cfg.MaxQueue)
	if err != nil {
		return err
	}
	if err := w.AddWatch(cfg.SourceRoot); err != nil {
		return err
	}

	go pumpEvents(w, e)

	srv := daemon.NewServer(e, cfg.DaemonPort)
	srv.Start()

	logger.Log.Info("syncd daemon started",
		zap.String("source_root", cfg.SourceRoot),
		zap.String("destination_root", cfg.DestinationRoot),
		zap.Int("port", cfg.DaemonPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Log.Info("shutting down", zap.String("signal", sig.String()))
	case <-srv.StopCh():
		logger.Log.Info("stop requested via API")
	}

	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

// pumpEvents wires the watcher's events through the filter/debounce/
// checksum pipeline and into the engine's queue.
func pumpEvents(w *watcher.Watcher, e *engine.Engine) {
	filtered := pipeline.Filter(w.Events(), append(pipeline.DefaultIgnoreList, cfg.IgnoreList...))
	debounced := pipeline.Debounce(filtered, cfg.DebounceDelay)
	deduped := pipeline.NewChecksumFilter().Run(debounced)

	for event := range deduped {
		if event.Action == model.ActionResync {
			e.PerformConsistencyCheck()
			continue
		}
		if event.Action == model.ActionDelete {
			continue
		}
		e.SyncFile(event.Path, model.PriorityNormal)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
