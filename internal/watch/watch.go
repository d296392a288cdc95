// Package watch triggers scheduler passes when input tables appear.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a pass starts.
const DefaultDebounce = 2 * time.Second

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// PassFunc runs one scheduler pass.
type PassFunc func(ctx context.Context)

// Watcher watches one input directory for new or rewritten *.json tables.
type Watcher struct {
	dir      string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	logger   *zap.Logger
}

// New starts watching dir. Call Run to process events, or Close to release
// the watcher without running.
func New(dir string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{dir: dir, debounce: debounce, fsw: fsw, logger: logger}, nil
}

// Run calls pass once events settle for the debounce period, until ctx is
// done. Passes never overlap; events that arrive during a pass schedule the
// next one. Run closes the watcher before returning.
func (w *Watcher) Run(ctx context.Context, pass PassFunc) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !isInputTable(event) {
				continue
			}
			w.logger.Debug("input table changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", zap.String("dir", w.dir), zap.Error(err))

		case <-fire:
			fire = nil
			w.logger.Info("starting pass for new input", zap.String("dir", w.dir))
			pass(ctx)
		}
	}
}

// Close releases the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func isInputTable(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), ".json")
}
