// Package backup implements an optional step the engine runs immediately
// before an atomic rename would overwrite a destination file whose
// content is about to change.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/logger"
)

// Hook preserves the previous content of a file about to be overwritten,
// compressed with zstd, under a dedicated backups directory.
type Hook struct {
	dir string
}

// New returns a Hook that writes backups under dir/backups, creating it
// on first use.
func New(dir string) *Hook {
	return &Hook{dir: filepath.Join(dir, "backups")}
}

// Preserve compresses the current contents of path into a timestamped
// .zst file under the hook's backup directory. It is a no-op (returns ""
// with no error) if path does not exist yet, since there is nothing to
// preserve for a brand new destination file.
func (h *Hook) Preserve(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open file to back up: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405.000000000")
	backupPath := filepath.Join(h.dir, fmt.Sprintf("%s.%s.zst", filepath.Base(path), timestamp))

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return "", fmt.Errorf("compress backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush backup: %w", err)
	}

	logger.Log.Info("preserved overwritten file", zap.String("original", path), zap.String("backup", backupPath))
	return backupPath, nil
}

// Restore decompresses a backup produced by Preserve back to dstPath,
// used by tests and manual recovery; the engine itself never calls it.
func Restore(backupPath, dstPath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create restore target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, dec); err != nil {
		return fmt.Errorf("decompress backup: %w", err)
	}
	return nil
}
