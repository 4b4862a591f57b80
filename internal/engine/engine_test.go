package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gmadsen/syncd/internal/config"
	"github.com/gmadsen/syncd/internal/metrics"
	"github.com/gmadsen/syncd/internal/model"
)

// baseTestConfig returns a config with fast-running timers, for tests
// that need to override one field (e.g. RecoveryMinAge) before
// constructing their own Engine.
func baseTestConfig(t *testing.T) (*config.Config, string, string) {
	t.Helper()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	logDir := t.TempDir()

	cfg := &config.Config{
		NumThreads:          2,
		SourceRoot:          srcDir,
		DestinationRoot:     dstDir,
		LogDir:              logDir,
		MaxQueue:            100,
		MaxRetries:          3,
		RetryDelay:          10 * time.Millisecond,
		ConsistencyInterval: time.Hour,
		RecoveryInterval:    time.Hour,
		RecoveryMinAge:      5 * time.Minute,
		VerifyMethod:        model.VerifyFastHash,
		LogRotateBytes:      1 << 20,
	}

	return cfg, srcDir, dstDir
}

func newTestEngine(t *testing.T) (*Engine, *metrics.Memory, string, string) {
	t.Helper()

	cfg, srcDir, dstDir := baseTestConfig(t)

	mem := metrics.NewMemory()
	e, err := New(cfg, mem)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return e, mem, srcDir, dstDir
}

func metricCount(mem *metrics.Memory, name string) int {
	n := 0
	for _, m := range mem.Collect() {
		if m.Name == name {
			n++
		}
	}
	return n
}

func metricValues(mem *metrics.Memory, name string) []string {
	var out []string
	for _, m := range mem.Collect() {
		if m.Name == name {
			out = append(out, m.Value)
		}
	}
	return out
}

func contains(values []string, substr string) bool {
	for _, v := range values {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}

func waitForMetric(t *testing.T, mem *metrics.Memory, name string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range mem.Collect() {
			if m.Name == name {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for metric %q; got %+v", name, mem.Collect())
}

func TestSyncFileCopiesAndVerifies(t *testing.T) {
	e, mem, srcDir, dstDir := newTestEngine(t)

	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if !e.SyncFile(src, model.PriorityNormal) {
		t.Fatal("expected SyncFile to accept the task")
	}

	waitForMetric(t, mem, "tx_completed", 2*time.Second)

	dst := filepath.Join(dstDir, "a.txt")
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dest file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("unexpected dest contents: %q", got)
	}
}

func TestSyncFileRejectedWhenNotRunning(t *testing.T) {
	e, _, srcDir, _ := newTestEngine(t)

	src := filepath.Join(srcDir, "a.txt")
	_ = os.WriteFile(src, []byte("x"), 0644)

	if e.SyncFile(src, model.PriorityNormal) {
		t.Fatal("expected SyncFile to reject while the engine is not running")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if err := e.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer e.Stop()

	if err := e.Start(); err != nil {
		t.Fatalf("second start should be a no-op, got error: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	e.Stop()
	e.Stop()
}

// TestMissingSourceRetriesThenExhausts exercises the full retry chain for
// a task that can never succeed: with MaxRetries=3, the worker should log
// exactly 4 tx_failed records (the initial attempt plus 3 retries), fire
// tx_retry exactly 3 times, then emit retry_exhausted and stop.
func TestMissingSourceRetriesThenExhausts(t *testing.T) {
	e, mem, srcDir, _ := newTestEngine(t)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	missing := filepath.Join(srcDir, "does-not-exist.txt")
	if !e.SyncFile(missing, model.PriorityNormal) {
		t.Fatal("expected SyncFile to accept the task even though the source is missing")
	}

	waitForMetric(t, mem, "retry_exhausted", 3*time.Second)

	if got := metricCount(mem, "tx_failed"); got != 4 {
		t.Fatalf("expected exactly 4 tx_failed metrics across the retry chain, got %d", got)
	}
	if got := metricCount(mem, "tx_retry"); got != 3 {
		t.Fatalf("expected exactly 3 tx_retry metrics, got %d", got)
	}
	if got := metricCount(mem, "tx_completed"); got != 0 {
		t.Fatalf("expected no tx_completed metric, got %d", got)
	}
}

func TestRunConsistencyCheckQueuesMismatches(t *testing.T) {
	e, mem, srcDir, dstDir := newTestEngine(t)

	if err := os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("source content"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dstDir, "b.txt"), []byte("stale content"), 0644); err != nil {
		t.Fatalf("write dest: %v", err)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	e.runConsistencyCheck()

	found := false
	for _, m := range mem.Collect() {
		if m.Name == "consistency_mismatch" && m.Value == "b.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a consistency_mismatch metric for b.txt, got %+v", mem.Collect())
	}

	waitForMetric(t, mem, "tx_completed", 2*time.Second)

	got, err := os.ReadFile(filepath.Join(dstDir, "b.txt"))
	if err != nil {
		t.Fatalf("read repaired dest file: %v", err)
	}
	if string(got) != "source content" {
		t.Fatalf("expected consistency sweep to repair dest, got %q", got)
	}
}

func TestQueueSizeIsZeroBeforeWorkIsSubmitted(t *testing.T) {
	e, _, srcDir, _ := newTestEngine(t)
	_ = os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0644)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if e.QueueSize() != 0 {
		t.Fatalf("expected an empty queue before any work is submitted, got %d", e.QueueSize())
	}
}

// TestRunRecoverySweepRequeuesStuckTransaction plants a PENDING
// transaction record with no worker ever having picked it up, ages it
// past RecoveryMinAge, and checks that the sweep requeues it as a
// HIGH-priority RECOVERY task that the worker pool then completes.
func TestRunRecoverySweepRequeuesStuckTransaction(t *testing.T) {
	cfg, srcDir, dstDir := baseTestConfig(t)
	cfg.RecoveryMinAge = 10 * time.Millisecond

	mem := metrics.NewMemory()
	e, err := New(cfg, mem)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	src := filepath.Join(srcDir, "recover.txt")
	if err := os.WriteFile(src, []byte("recovered content"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dst := filepath.Join(dstDir, "recover.txt")

	txID := e.log.LogTransaction(model.OperationCopy, src, dst, nil)
	if txID == "" {
		t.Fatal("expected a non-empty transaction id")
	}

	time.Sleep(cfg.RecoveryMinAge + 30*time.Millisecond)

	e.runRecoverySweep()

	if got := metricCount(mem, "recovery_started"); got == 0 {
		t.Fatal("expected a recovery_started metric once a stuck transaction is found")
	}
	if !contains(metricValues(mem, "tx_recovery_attempt"), txID) {
		t.Fatalf("expected tx_recovery_attempt for %s, got %+v", txID, metricValues(mem, "tx_recovery_attempt"))
	}
	if !contains(metricValues(mem, "tx_recovery_queued"), txID) {
		t.Fatalf("expected tx_recovery_queued for %s, got %+v", txID, metricValues(mem, "tx_recovery_queued"))
	}

	waitForMetric(t, mem, "tx_completed", 2*time.Second)

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read recovered dest file: %v", err)
	}
	if string(got) != "recovered content" {
		t.Fatalf("expected the recovery task to copy the source file, got %q", got)
	}
}

// TestRunRecoverySweepFailsWhenSourceGone covers the other half of the
// recovery sweep: a stuck transaction whose source file no longer exists
// is marked FAILED rather than requeued.
func TestRunRecoverySweepFailsWhenSourceGone(t *testing.T) {
	cfg, srcDir, dstDir := baseTestConfig(t)
	cfg.RecoveryMinAge = 10 * time.Millisecond

	mem := metrics.NewMemory()
	e, err := New(cfg, mem)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	src := filepath.Join(srcDir, "gone.txt")
	dst := filepath.Join(dstDir, "gone.txt")

	txID := e.log.LogTransaction(model.OperationCopy, src, dst, nil)
	if txID == "" {
		t.Fatal("expected a non-empty transaction id")
	}

	time.Sleep(cfg.RecoveryMinAge + 30*time.Millisecond)

	e.runRecoverySweep()

	if !contains(metricValues(mem, "tx_recovery_failed"), txID) {
		t.Fatalf("expected tx_recovery_failed for %s, got %+v", txID, metricValues(mem, "tx_recovery_failed"))
	}
	if contains(metricValues(mem, "tx_recovery_queued"), txID) {
		t.Fatalf("did not expect tx_recovery_queued for a transaction whose source is gone")
	}

	for _, tx := range e.PendingTransactions() {
		if tx.ID == txID {
			t.Fatalf("expected %s to no longer be pending after recovery marks it failed", txID)
		}
	}
}
