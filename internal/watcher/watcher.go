// Package watcher implements a recursive filesystem event source backed
// by fsnotify, with overflow recovery via a synthetic RESYNC event.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/logger"
	"github.com/gmadsen/syncd/internal/model"
)

// Watcher wraps fsnotify with recursive add/remove watches, a polling
// NextEvent, an optional push callback, and cooperative Stop. It is safe
// to call NextEvent from any goroutine.
type Watcher struct {
	fw      *fsnotify.Watcher
	eventCh chan model.Event
	doneCh  chan struct{}
	root    string

	mu       sync.Mutex
	callback func(model.Event)
}

// New creates a Watcher whose event channel is buffered bufferSize deep.
// When the buffer is full, the incoming event is dropped and a warning is
// logged; callers are expected to drain promptly.
func New(bufferSize int) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fw:      fw,
		eventCh: make(chan model.Event, bufferSize),
		doneCh:  make(chan struct{}),
	}, nil
}

// AddWatch watches root and every existing subdirectory recursively, then
// starts the background event pump.
func (w *Watcher) AddWatch(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}

	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("watch root not found: %w", err)
	}

	w.root = abs

	if err := w.addRecursive(abs); err != nil {
		return err
	}

	go w.run()

	logger.Log.Info("watcher started", zap.String("root", abs))
	return nil
}

// RemoveWatch stops watching path directly; fsnotify errors are logged
// rather than propagated, since removal is advisory.
func (w *Watcher) RemoveWatch(path string) {
	if err := w.fw.Remove(path); err != nil {
		logger.Log.Debug("remove watch failed", zap.String("path", path), zap.Error(err))
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.eventCh)

	for {
		select {
		case <-w.doneCh:
			logger.Log.Info("watcher stopping")
			return

		case fsEvent, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(fsEvent)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.handleFsError(err)
		}
	}
}

func (w *Watcher) handleFsEvent(fsEvent fsnotify.Event) {
	action := toAction(fsEvent.Op)
	if action == "" {
		return
	}

	// Race mitigation: a directory may gain contents between mkdir and
	// add_watch. Watch it immediately and synthesize a MODIFY so nothing
	// created in that window is silently missed.
	if fsEvent.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(fsEvent.Name); err != nil {
				logger.Log.Warn("failed to watch new directory",
					zap.String("path", fsEvent.Name), zap.Error(err))
			}
			w.emitPreexisting(fsEvent.Name)
		}
	}

	w.emit(model.Event{
		Path:      fsEvent.Name,
		Action:    action,
		Mask:      uint32(fsEvent.Op),
		Timestamp: time.Now(),
	})
}

// emitPreexisting synthesizes MODIFY events for files that existed before
// the watch on a newly created directory was established.
func (w *Watcher) emitPreexisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		w.emit(model.Event{Path: path, Action: model.ActionModify, Timestamp: time.Now()})
		return nil
	})
}

// handleFsError treats a queue overflow (fsnotify.ErrEventOverflow) by
// emitting a single synthetic RESYNC for the watch root, letting
// consumers rescan the whole subtree.
func (w *Watcher) handleFsError(err error) {
	if err == fsnotify.ErrEventOverflow {
		logger.Log.Warn("event queue overflowed, emitting RESYNC", zap.String("root", w.root))
		w.emit(model.Event{Path: w.root, Action: model.ActionResync, Timestamp: time.Now()})
		return
	}
	logger.Log.Error("watcher error", zap.Error(err))
}

func (w *Watcher) emit(event model.Event) {
	w.mu.Lock()
	cb := w.callback
	w.mu.Unlock()

	if cb != nil {
		cb(event)
	}

	select {
	case w.eventCh <- event:
	default:
		logger.Log.Warn("event channel full, dropping event", zap.String("path", event.Path))
	}
}

// Events returns the channel events are delivered on.
func (w *Watcher) Events() <-chan model.Event {
	return w.eventCh
}

// NextEvent pulls a single event, or returns ok=false if none is
// available within timeout.
func (w *Watcher) NextEvent(timeout time.Duration) (model.Event, bool) {
	select {
	case e, ok := <-w.eventCh:
		return e, ok
	case <-time.After(timeout):
		return model.Event{}, false
	}
}

// Empty is an advisory snapshot of the event buffer.
func (w *Watcher) Empty() bool {
	return len(w.eventCh) == 0
}

// SetCallback registers a function invoked synchronously for every event,
// in addition to the buffered channel delivery.
func (w *Watcher) SetCallback(cb func(model.Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = cb
}

// Stop halts the event pump and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.doneCh)
	_ = w.fw.Close()
}

func toAction(op fsnotify.Op) model.EventAction {
	switch {
	case op.Has(fsnotify.Create):
		return model.ActionCreate
	case op.Has(fsnotify.Write):
		return model.ActionModify
	case op.Has(fsnotify.Remove):
		return model.ActionDelete
	case op.Has(fsnotify.Rename):
		return model.ActionMovedFrom
	default:
		return ""
	}
}
