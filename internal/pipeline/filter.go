// Package pipeline implements the filtering/debounce/dedupe stages that
// sit between the watcher and the engine's enqueue path, as a chain of
// channel-transforming stages.
package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/gmadsen/syncd/internal/model"
)

// DefaultIgnoreList matches the patterns the original reference's
// companion scripts skip by default.
var DefaultIgnoreList = []string{".git", "*.tmp", "*.swp", "*~", ".DS_Store"}

// Filter drops events whose path contains any component matching a
// pattern in ignoreList, using filepath.Match glob semantics.
func Filter(inCh <-chan model.Event, ignoreList []string) <-chan model.Event {
	outCh := make(chan model.Event, cap(inCh))

	go func() {
		defer close(outCh)

		for event := range inCh {
			if shouldIgnore(event.Path, ignoreList) {
				continue
			}
			outCh <- event
		}
	}()

	return outCh
}

func shouldIgnore(path string, ignoreList []string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")

	for _, part := range parts {
		for _, pattern := range ignoreList {
			if matched, err := filepath.Match(pattern, part); err == nil && matched {
				return true
			}
		}
	}

	return false
}
