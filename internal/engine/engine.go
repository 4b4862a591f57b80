// Package engine implements the sync engine that owns the worker pool,
// the recovery sweeper, and the consistency sweeper, wiring together the
// queue, transaction log, verifier, and metrics sink.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/backup"
	"github.com/gmadsen/syncd/internal/config"
	"github.com/gmadsen/syncd/internal/fsutil"
	"github.com/gmadsen/syncd/internal/logger"
	"github.com/gmadsen/syncd/internal/metrics"
	"github.com/gmadsen/syncd/internal/model"
	"github.com/gmadsen/syncd/internal/queue"
	"github.com/gmadsen/syncd/internal/txlog"
	"github.com/gmadsen/syncd/internal/verify"
)

const dequeuePollInterval = 100 * time.Millisecond

// Engine is the centerpiece: Start/Stop are idempotent, and
// SyncFile/BatchSync/PerformConsistencyCheck are the external API
// surface.
type Engine struct {
	cfg      *config.Config
	q        *queue.PriorityQueue
	log      *txlog.Log
	verifier *verify.Verifier
	metrics  metrics.Collector
	backup   *backup.Hook

	mu      sync.Mutex
	running atomic.Bool

	consistencyRequested atomic.Bool
	stopCh               chan struct{}
	wg                   sync.WaitGroup
}

// New wires an Engine from its dependencies. cfg.LogDir backs both the
// transaction log and the backup hook's preserved-content directory.
func New(cfg *config.Config, collector metrics.Collector) (*Engine, error) {
	log, err := txlog.New(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("create transaction log: %w", err)
	}
	log.SetRotateThreshold(cfg.LogRotateBytes)

	return &Engine{
		cfg:      cfg,
		q:        queue.New(cfg.MaxQueue),
		log:      log,
		verifier: verify.New(),
		metrics:  collector,
		backup:   backup.New(cfg.LogDir),
	}, nil
}

// Start opens the transaction log, failing fast on error, then spawns
// NumThreads workers, one recovery sweeper, and one consistency sweeper.
// A second call is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	if err := e.log.Open(); err != nil {
		return fmt.Errorf("open transaction log: %w", err)
	}

	e.stopCh = make(chan struct{})
	e.running.Store(true)

	for i := 0; i < e.cfg.NumThreads; i++ {
		e.wg.Add(1)
		go e.workerLoop()
	}

	e.wg.Add(1)
	go e.recoveryLoop()

	e.wg.Add(1)
	go e.consistencyLoop()

	e.metrics.Record("sync_manager", "started")
	logger.Log.Info("engine started", zap.Int("workers", e.cfg.NumThreads))
	return nil
}

// Stop shuts the queue down, waits for every worker/sweeper to drain, and
// closes the transaction log. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return
	}
	e.running.Store(false)
	close(e.stopCh)
	e.mu.Unlock()

	e.q.Shutdown()
	e.wg.Wait()

	_ = e.log.Close()
	e.metrics.Record("sync_manager", "stopped")
	logger.Log.Info("engine stopped")
}

// SyncFile enqueues a single SYNC task. It rejects while not running, and
// reports file_queued on acceptance or file_queue_failed on a full queue.
func (e *Engine) SyncFile(path string, priority model.SyncPriority) bool {
	if !e.running.Load() {
		return false
	}

	task := model.NewSyncTask(path, model.OpSync, priority)
	if e.q.Enqueue(task, time.Second) {
		e.metrics.Record("file_queued", path)
		return true
	}

	e.metrics.Record("file_queue_failed", path)
	return false
}

// BatchSync enqueues one SYNC task per path, returning true only if every
// path was accepted.
func (e *Engine) BatchSync(paths []string, priority model.SyncPriority) bool {
	if !e.running.Load() {
		return false
	}

	allQueued := true
	for _, p := range paths {
		if !e.SyncFile(p, priority) {
			allQueued = false
		}
	}
	return allQueued
}

// PerformConsistencyCheck requests an out-of-cycle consistency sweep; the
// sweeper picks it up on its next poll.
func (e *Engine) PerformConsistencyCheck() {
	e.consistencyRequested.Store(true)
}

// QueueSize is an advisory snapshot, useful for `syncd status`.
func (e *Engine) QueueSize() int {
	return e.q.Size()
}

// PendingTransactions exposes the transaction log's pending set, useful
// for `syncd status`.
func (e *Engine) PendingTransactions() []model.TransactionRecord {
	return e.log.GetPendingTransactions()
}

func (e *Engine) workerLoop() {
	defer e.wg.Done()

	for {
		task, ok := e.q.Dequeue(dequeuePollInterval)
		if !ok {
			if !e.running.Load() && e.q.Empty() {
				return
			}
			continue
		}
		e.processTask(task)
	}
}

// processTask is the worker algorithm: log PENDING, log IN_PROGRESS,
// copy, verify, log COMPLETED or FAILED with retry.
func (e *Engine) processTask(task model.SyncTask) {
	destPath := e.toDest(task.Path)

	txID := e.log.LogTransaction(model.OperationCopy, task.Path, destPath, nil)
	if txID == "" {
		e.metrics.Record("tx_log_failed", task.Path)
		return
	}
	e.metrics.Record("tx_started", txID)

	_ = e.log.UpdateTransactionStatus(txID, model.StatusInProgress, "")

	copyErr := e.performCopy(task.Path, destPath)

	var verified bool
	var errMsg string

	if copyErr == nil {
		result := e.verifier.VerifyFile(task.Path, destPath, e.cfg.VerifyMethod)
		verified = result.Matches
		errMsg = result.Error
		if verified {
			e.metrics.Record("sync_verification", "success")
		} else {
			e.metrics.Record("sync_verification", "failed: "+errMsg)
		}
	} else {
		errMsg = copyErr.Error()
		e.metrics.Record("sync_error", fmt.Sprintf("%s: %s", errMsg, task.Path))
	}

	if copyErr == nil && verified {
		_ = e.log.UpdateTransactionStatus(txID, model.StatusCompleted, "")
		e.metrics.Record("tx_completed", txID)
		return
	}

	_ = e.log.UpdateTransactionStatus(txID, model.StatusFailed, errMsg)
	e.metrics.Record("tx_failed", txID+": "+errMsg)

	if task.RetryCount < e.cfg.MaxRetries {
		retryTask := task.WithRetry()
		time.Sleep(e.cfg.RetryDelay)
		if e.q.Enqueue(retryTask, time.Second) {
			e.metrics.Record("tx_retry", txID)
		}
	} else {
		e.metrics.Record("retry_exhausted", txID)
	}
}

// performCopy runs the backup hook (if the destination exists and would
// change) then copies src over dst atomically.
func (e *Engine) performCopy(src, dst string) error {
	if changed, err := e.contentWouldChange(src, dst); err == nil && changed {
		if _, err := e.backup.Preserve(dst); err != nil {
			logger.Log.Warn("backup hook failed, proceeding with overwrite",
				zap.String("path", dst), zap.Error(err))
		}
	}

	return fsutil.CopyFile(src, dst)
}

func (e *Engine) contentWouldChange(src, dst string) (bool, error) {
	equal, err := fsutil.BytesEqual(src, dst)
	if err != nil {
		return false, err
	}
	return !equal, nil
}

// toDest maps a source-rooted path onto the destination root. Paths
// outside SourceRoot fall back to DestinationRoot/<basename>.
func (e *Engine) toDest(srcPath string) string {
	rel, err := filepath.Rel(e.cfg.SourceRoot, srcPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Join(e.cfg.DestinationRoot, filepath.Base(srcPath))
	}
	return filepath.Join(e.cfg.DestinationRoot, rel)
}

func (e *Engine) recoveryLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runRecoverySweep()
		}
	}
}

func (e *Engine) runRecoverySweep() {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.Record("recovery_error", fmt.Sprintf("%v", r))
		}
	}()

	pending := e.log.GetPendingTransactions()

	var stuck []model.TransactionRecord
	now := time.Now()
	for _, tx := range pending {
		if now.Sub(tx.Timestamp()) >= e.cfg.RecoveryMinAge {
			stuck = append(stuck, tx)
		}
	}

	if len(stuck) > 0 {
		e.metrics.Record("recovery_started", fmt.Sprintf("found %d transactions", len(stuck)))
	}

	for _, tx := range stuck {
		e.recoverTransaction(tx)
	}
}

func (e *Engine) recoverTransaction(tx model.TransactionRecord) {
	e.metrics.Record("tx_recovery_attempt", tx.ID)

	if _, err := os.Stat(tx.SourcePath); err != nil {
		_ = e.log.UpdateTransactionStatus(tx.ID, model.StatusFailed, "Source file no longer exists")
		e.metrics.Record("tx_recovery_failed", tx.ID+": source missing")
		return
	}

	task := model.NewSyncTask(tx.SourcePath, model.OpRecovery, model.PriorityHigh)
	if e.q.Enqueue(task, time.Second) {
		e.metrics.Record("tx_recovery_queued", tx.ID)
	} else {
		e.metrics.Record("tx_recovery_queue_failed", tx.ID)
	}
}

func (e *Engine) consistencyLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	elapsed := time.Duration(0)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			elapsed += time.Minute
			if elapsed < e.cfg.ConsistencyInterval && !e.consistencyRequested.Load() {
				continue
			}
			elapsed = 0
			e.consistencyRequested.Store(false)
			e.runConsistencyCheck()
		}
	}
}

func (e *Engine) runConsistencyCheck() {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.Record("consistency_check_error", fmt.Sprintf("%v", r))
		}
	}()

	e.metrics.Record("consistency_check", "started")

	results, err := e.verifier.VerifyDirectory(e.cfg.SourceRoot, e.cfg.DestinationRoot, e.cfg.VerifyMethod, true, e.cfg.NumThreads)
	if err != nil {
		e.metrics.Record("consistency_check_error", err.Error())
		return
	}

	total := len(results)
	mismatches := 0

	for _, r := range results {
		if r.Result.Matches {
			continue
		}
		mismatches++

		fullPath := filepath.Join(e.cfg.SourceRoot, r.RelPath)
		task := model.NewSyncTask(fullPath, model.OpConsistency, model.PriorityLow)
		_ = e.q.Enqueue(task, time.Second)

		e.metrics.Record("consistency_mismatch", r.RelPath)
	}

	e.metrics.Record("consistency_check_complete", fmt.Sprintf("Files: %d, Mismatches: %d", total, mismatches))
}
