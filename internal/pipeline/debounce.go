package pipeline

import (
	"sync"
	"time"

	"github.com/gmadsen/syncd/internal/model"
)

// Debounce coalesces rapid-fire events on the same path into a single
// downstream event, emitted delay after the last one arrives. A RESYNC
// event (the watcher's overflow signal) bypasses debouncing entirely and
// reaches the engine immediately.
func Debounce(inCh <-chan model.Event, delay time.Duration) <-chan model.Event {
	outCh := make(chan model.Event, cap(inCh))

	go func() {
		defer close(outCh)

		var mu sync.Mutex
		timers := make(map[string]*time.Timer)
		pending := make(map[string]model.Event)

		flush := func(path string) {
			mu.Lock()
			event, ok := pending[path]
			delete(pending, path)
			delete(timers, path)
			mu.Unlock()

			if ok {
				outCh <- event
			}
		}

		for event := range inCh {
			if event.Action == model.ActionResync {
				outCh <- event
				continue
			}

			path := event.Path

			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			pending[path] = event
			timers[path] = time.AfterFunc(delay, func() { flush(path) })
			mu.Unlock()
		}

		mu.Lock()
		remaining := make([]string, 0, len(timers))
		for path, t := range timers {
			t.Stop()
			remaining = append(remaining, path)
		}
		mu.Unlock()

		for _, path := range remaining {
			mu.Lock()
			event, ok := pending[path]
			delete(pending, path)
			mu.Unlock()
			if ok {
				outCh <- event
			}
		}
	}()

	return outCh
}
