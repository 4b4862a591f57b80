package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/fsutil"
	"github.com/gmadsen/syncd/internal/logger"
	"github.com/gmadsen/syncd/internal/model"
)

// ChecksumFilter drops events whose file content hasn't actually changed
// since it last saw the path, keyed on a content hash cache. DELETE and
// MOVED_FROM events always pass through and clear the cache entry; RESYNC
// events and events whose file cannot be hashed always pass through.
type ChecksumFilter struct {
	mu    sync.Mutex
	cache map[string]string
}

func NewChecksumFilter() *ChecksumFilter {
	return &ChecksumFilter{cache: make(map[string]string)}
}

func (cf *ChecksumFilter) Run(inCh <-chan model.Event) <-chan model.Event {
	outCh := make(chan model.Event, cap(inCh))

	go func() {
		defer close(outCh)

		for event := range inCh {
			if event.Action == model.ActionDelete || event.Action == model.ActionMovedFrom {
				cf.mu.Lock()
				delete(cf.cache, event.Path)
				cf.mu.Unlock()
				outCh <- event
				continue
			}

			if event.Action == model.ActionResync {
				outCh <- event
				continue
			}

			sum, err := fsutil.HashSHA256(event.Path)
			if err != nil {
				logger.Log.Debug("checksum failed, passing event through",
					zap.String("path", event.Path), zap.Error(err))
				outCh <- event
				continue
			}

			cf.mu.Lock()
			prev, exists := cf.cache[event.Path]
			changed := !exists || prev != sum
			if changed {
				cf.cache[event.Path] = sum
			}
			cf.mu.Unlock()

			if changed {
				outCh <- event
			} else {
				logger.Log.Debug("checksum unchanged, skipping", zap.String("path", event.Path))
			}
		}
	}()

	return outCh
}
