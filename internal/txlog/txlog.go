// Package txlog implements an append-only, line-delimited JSON
// transaction log with rotation and a crash-recovery scan. It is the
// ground truth for every SyncTask's outcome; any in-memory cache is
// read-through, never authoritative.
package txlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gmadsen/syncd/internal/logger"
	"github.com/gmadsen/syncd/internal/model"
	"go.uber.org/zap"
)

const filePrefix = "sync_log_"
const timeLayout = "20060102-150405"

// Log is a directory of rotated, line-delimited JSON transaction log
// files. All mutating operations serialize through mu; the in-memory
// cache shares that lock with the writer.
type Log struct {
	mu              sync.Mutex
	dir             string
	current         string
	file            *os.File
	nextID          atomic.Uint64
	cache           map[string]model.TransactionRecord
	rotateThreshold int64
}

func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &Log{dir: dir, cache: make(map[string]model.TransactionRecord)}
	l.nextID.Store(1)

	if err := l.initialize(); err != nil {
		return nil, err
	}

	return l, nil
}

// initialize picks the lexicographically largest (newest) existing log
// file as current, or names a fresh one after the present time.
func (l *Log) initialize() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("list log dir: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), ".json") {
			candidates = append(candidates, e.Name())
		}
	}

	if len(candidates) == 0 {
		l.current = filepath.Join(l.dir, filePrefix+time.Now().Format(timeLayout)+".json")
		return nil
	}

	sort.Strings(candidates)
	l.current = filepath.Join(l.dir, candidates[len(candidates)-1])
	return l.loadAllLocked()
}

// Open acquires an append-mode handle to the current log. Idempotent.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked()
}

func (l *Log) openLocked() error {
	if l.file != nil {
		return nil
	}

	f, err := os.OpenFile(l.current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transaction log: %w", err)
	}
	l.file = f
	return nil
}

// Close releases the append handle. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Log) closeLocked() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// SetRotateThreshold configures the log to check RotateIfNeeded against
// maxBytes after every record it writes. A non-positive value disables
// the automatic check.
func (l *Log) SetRotateThreshold(maxBytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateThreshold = maxBytes
}

// LogTransaction appends a PENDING record and returns its id, or "" if the
// log could not be opened or written.
func (l *Log) LogTransaction(op model.TransactionOperation, srcPath, dstPath string, checksum *string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLocked(); err != nil {
		logger.Log.Error("failed to open transaction log", zap.Error(err))
		return ""
	}

	id := l.generateID()
	record := model.TransactionRecord{
		ID:          id,
		Operation:   op,
		SourcePath:  srcPath,
		DestPath:    dstPath,
		Status:      model.StatusPending,
		TimestampMs: time.Now().UnixMilli(),
		Checksum:    checksum,
	}

	if err := l.writeRecordLocked(record); err != nil {
		logger.Log.Error("failed to write transaction record", zap.Error(err))
		return ""
	}

	l.rotateIfNeededLocked()

	return id
}

// UpdateTransactionStatus appends a new record for id reflecting the given
// status and error message. It fails if id is unknown.
func (l *Log) UpdateTransactionStatus(id string, status model.TransactionStatus, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLocked(); err != nil {
		return fmt.Errorf("open transaction log: %w", err)
	}

	record, ok := l.cache[id]
	if !ok {
		return fmt.Errorf("unknown transaction id %q", id)
	}

	record.Status = status
	record.ErrorMessage = errMsg
	record.TimestampMs = time.Now().UnixMilli()

	if err := l.writeRecordLocked(record); err != nil {
		return err
	}

	l.rotateIfNeededLocked()

	return nil
}

// GetTransactionsByStatus returns every record whose latest occurrence has
// the given status, reloading from disk first to pick up external writers.
func (l *Log) GetTransactionsByStatus(status model.TransactionStatus) []model.TransactionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.loadAllLocked()

	var out []model.TransactionRecord
	for _, r := range l.cache {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// GetPendingTransactions returns the union of PENDING and IN_PROGRESS
// records by latest status.
func (l *Log) GetPendingTransactions() []model.TransactionRecord {
	pending := l.GetTransactionsByStatus(model.StatusPending)
	inProgress := l.GetTransactionsByStatus(model.StatusInProgress)
	return append(pending, inProgress...)
}

// RotateIfNeeded closes and archives the current log once it reaches
// maxBytes, opening a fresh log file timestamped now. Rotation is
// best-effort: an archive failure is returned but the old log remains
// usable (the caller keeps writing to it next call).
func (l *Log) RotateIfNeeded(maxBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateIfNeededLockedErr(maxBytes)
}

// rotateIfNeededLocked runs the configured automatic rotation check after
// a write, logging (rather than returning) any failure: a rotation
// problem must never fail the record that was just successfully
// appended. mu must already be held.
func (l *Log) rotateIfNeededLocked() {
	if l.rotateThreshold <= 0 {
		return
	}
	if err := l.rotateIfNeededLockedErr(l.rotateThreshold); err != nil {
		logger.Log.Error("failed to rotate transaction log", zap.Error(err))
	}
}

// rotateIfNeededLockedErr is the rotation check shared by RotateIfNeeded
// and the automatic post-write check. mu must already be held.
func (l *Log) rotateIfNeededLockedErr(maxBytes int64) error {
	info, err := os.Stat(l.current)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat current log: %w", err)
	}

	if info.Size() < maxBytes {
		return nil
	}

	_ = l.closeLocked()

	archiveDir := filepath.Join(l.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	archivePath := filepath.Join(archiveDir, filepath.Base(l.current))
	if err := os.Rename(l.current, archivePath); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}

	l.current = filepath.Join(l.dir, filePrefix+time.Now().Format(timeLayout)+".json")
	l.cache = make(map[string]model.TransactionRecord)

	return l.openLocked()
}

func (l *Log) generateID() string {
	id := l.nextID.Add(1) - 1
	return fmt.Sprintf("tx-%d-%d", time.Now().UnixMilli(), id)
}

func (l *Log) writeRecordLocked(record model.TransactionRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transaction record: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write transaction record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("flush transaction record: %w", err)
	}

	l.cache[record.ID] = record
	return nil
}

// loadAllLocked rebuilds the in-memory cache from the current log file,
// skipping malformed lines (a half-written final line after a crash).
// mu must already be held.
func (l *Log) loadAllLocked() error {
	wasOpen := l.file != nil
	_ = l.closeLocked()

	f, err := os.Open(l.current)
	if err != nil {
		if os.IsNotExist(err) {
			if wasOpen {
				_ = l.openLocked()
			}
			return nil
		}
		return fmt.Errorf("open log for scan: %w", err)
	}
	defer func() { _ = f.Close() }()

	cache := make(map[string]model.TransactionRecord)
	var maxID uint64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record model.TransactionRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			logger.Log.Error("malformed transaction record, skipping", zap.Error(err))
			continue
		}

		cache[record.ID] = record

		if id, ok := parseCounter(record.ID); ok && id >= maxID {
			maxID = id
		}
	}

	l.cache = cache
	if maxID+1 > l.nextID.Load() {
		l.nextID.Store(maxID + 1)
	}

	if wasOpen {
		return l.openLocked()
	}
	return nil
}

// parseCounter extracts the trailing counter from an id of the form
// "tx-<ms_epoch>-<counter>".
func parseCounter(id string) (uint64, bool) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
