// Package modelwatch watches a model file for changes and signals that a
// cached Model handle should be reloaded. Only the model file's own path
// is matched; other files in its directory, such as a sidecar config, do
// not trigger a reload.
// It generalizes the teacher's internal/watcher package, which debounced
// fsnotify events to trigger re-indexing of a source directory — here
// the watched unit is a single weights file rather than a tree of source
// files, and there is no chunker.IsSupportedFile gate since a model path
// is always relevant.
package modelwatch

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher watches one model file for changes and invokes onReload,
// debounced, whenever it is rewritten.
type Watcher struct {
	fw       *fsnotify.Watcher
	path     string
	onReload func() error
}

// New creates a Watcher for the model file at path.
func New(path string, onReload func() error) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("modelwatch: fsnotify: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("modelwatch: watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{fw: fw, path: path, onReload: onReload}, nil
}

// Watch blocks, debouncing rewrites of the watched model file, until done
// is closed or fsnotify closes its event or error channel. Errors reported
// by fsnotify are logged and watching continues.
func (w *Watcher) Watch(done <-chan struct{}) error {
	var timer *time.Timer

	for {
		select {
		case <-done:
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, func() {
				logrus.Infof("[modelwatch] reloading %s", w.path)
				if err := w.onReload(); err != nil {
					logrus.Errorf("[modelwatch] reload error: %v", err)
				}
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			logrus.Errorf("[modelwatch] error: %v", err)
		}
	}
}
