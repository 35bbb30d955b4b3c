// Package spool watches a drop directory for parsed-document JSON files and
// feeds them to the ingestion pipeline.
package spool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/ingest"
	"github.com/hyperjump/shoko/internal/models"
)

const (
	defaultDebounce = 400 * time.Millisecond
	processedDir    = "processed"
	failedDir       = "failed"
)

// Watcher watches one spool directory for .json drops. Writes are debounced
// so a file is only ingested once the producer has finished writing it.
// Processed files are moved into processed/ or failed/ subdirectories.
type Watcher struct {
	dir      string
	pipeline *ingest.Pipeline
	debounce time.Duration
	logger   *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
}

// NewWatcher creates a spool watcher over dir.
func NewWatcher(dir string, pipeline *ingest.Pipeline, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:         filepath.Clean(dir),
		pipeline:    pipeline,
		debounce:    defaultDebounce,
		logger:      logger,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
}

// Start creates the spool directory if needed, ingests any files already
// present, and watches for new drops until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	for _, d := range []string{w.dir, filepath.Join(w.dir, processedDir), filepath.Join(w.dir, failedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.mu.Unlock()

	w.logger.Info("spool watcher starting", zap.String("dir", w.dir))
	w.syncExisting(ctx)
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("spool watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	path := ev.Name
	if filepath.Dir(filepath.Clean(path)) != w.dir || !isSpoolFile(path) {
		return
	}
	switch ev.Op {
	case fsnotify.Create, fsnotify.Write:
		w.debounceIngest(ctx, path)
	case fsnotify.Remove, fsnotify.Rename:
		w.cancelDebounce(path)
	}
}

func isSpoolFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func (w *Watcher) debounceIngest(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.ingestFile(ctx, path)
	})
	w.debounceMap[path] = t
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// syncExisting ingests files already sitting in the spool when the watcher
// starts, so a restart never strands drops.
func (w *Watcher) syncExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool listing failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isSpoolFile(e.Name()) {
			continue
		}
		w.ingestFile(ctx, filepath.Join(w.dir, e.Name()))
	}
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	log := w.logger.With(zap.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Warn("spool file unreadable", zap.Error(err))
		return
	}

	var parsed models.ParsedDocument
	if err := json.Unmarshal(data, &parsed); err != nil {
		log.Warn("spool file is not a parsed document", zap.Error(err))
		w.moveTo(path, failedDir, log)
		return
	}
	if parsed.Name == "" {
		parsed.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	src, err := ingest.NewJSONSource(&parsed)
	if err != nil {
		log.Warn("spool file rejected", zap.Error(err))
		w.moveTo(path, failedDir, log)
		return
	}

	doc, err := w.pipeline.Ingest(ctx, src)
	if err != nil {
		log.Error("spool ingestion failed", zap.String("doc_id", src.DocID()), zap.Error(err))
		w.moveTo(path, failedDir, log)
		return
	}
	log.Info("spool file ingested",
		zap.String("doc_id", doc.DocID),
		zap.Int("pages", doc.PageCount),
	)
	w.moveTo(path, processedDir, log)
}

func (w *Watcher) moveTo(path, subdir string, log *zap.Logger) {
	dst := filepath.Join(w.dir, subdir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		log.Warn("could not move spool file", zap.String("dst", dst), zap.Error(err))
	}
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
