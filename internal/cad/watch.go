package cad

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a FileDocument when its file changes on disk and calls
// onChange once edits settle for delay.
type Watcher struct {
	doc      *FileDocument
	delay    time.Duration
	onChange func(ctx context.Context)
}

// NewWatcher creates a watcher for doc.
func NewWatcher(doc *FileDocument, delay time.Duration, onChange func(ctx context.Context)) *Watcher {
	return &Watcher{doc: doc, delay: delay, onChange: onChange}
}

// Run watches until ctx is cancelled. The directory is watched, not the
// file, so editors that save by rename are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.doc.Path())
	name := filepath.Base(w.doc.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Printf("[Watch] Watching %s", w.doc.Path())

	debounced := debounce.New(w.delay)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounced(func() {
				if ctx.Err() != nil {
					return
				}
				if err := w.doc.Reload(); err != nil {
					log.Printf("[Watch] Reload failed: %v", err)
					return
				}
				w.onChange(ctx)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Watch] Watcher error: %v", err)
		}
	}
}
