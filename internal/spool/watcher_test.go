package spool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/config"
	"github.com/hyperjump/shoko/internal/fulltext"
	"github.com/hyperjump/shoko/internal/ingest"
	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitstore"
)

func newSpoolPipeline(t *testing.T) (*ingest.Pipeline, *unitstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := unitstore.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	ft, err := fulltext.NewBleveIndex(filepath.Join(dir, "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ft.Close()
		store.Close()
	})
	cfg := &config.IngestConfig{
		PageWorkers:         2,
		PageRetries:         1,
		MaxPageFailureRatio: 0.2,
		IndexRetries:        1,
		IndexBackoff:        time.Millisecond,
		Timeout:             time.Minute,
	}
	return ingest.NewPipeline(store, ft, nil, "", cfg, zap.NewNop()), store
}

func writePayload(t *testing.T, path, name string) {
	t.Helper()
	doc := models.ParsedDocument{
		Name: name,
		Pages: []models.PageDraft{
			{
				PageNo: 1,
				Width:  612,
				Height: 792,
				Units: []models.UnitDraft{
					{
						Modality: models.ModalityText,
						BBox:     models.BBox{X0: 50, Y0: 80, X1: 550, Y1: 140},
						Content:  "warranty terms",
					},
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestIsSpoolFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/spool/a.json", true},
		{"/spool/a.JSON", true},
		{"/spool/a.txt", false},
		{"/spool/a", false},
	}
	for _, tt := range tests {
		if got := isSpoolFile(tt.path); got != tt.want {
			t.Errorf("isSpoolFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatcher_Start_createsDirectories(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "spool")
	pipeline, _ := newSpoolPipeline(t)

	w := NewWatcher(dir, pipeline, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for _, d := range []string{dir, filepath.Join(dir, "processed"), filepath.Join(dir, "failed")} {
		if _, err := os.Stat(d); err != nil {
			t.Errorf("%s should exist after Start: %v", d, err)
		}
	}
}

func TestWatcher_SyncExisting_ingestsOnStart(t *testing.T) {
	dir := t.TempDir()
	pipeline, store := newSpoolPipeline(t)
	writePayload(t, filepath.Join(dir, "manual.json"), "manual.pdf")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0600); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(dir, pipeline, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "processed", "manual.json"))
		return err == nil
	})
	docs, err := store.ListDocuments(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].State != models.StateReady {
		t.Errorf("expected one ready document, got %v", docs)
	}
	// The non-JSON file stays put.
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("notes.txt should be untouched: %v", err)
	}
}

func TestWatcher_IngestsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	pipeline, store := newSpoolPipeline(t)

	w := NewWatcher(dir, pipeline, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writePayload(t, filepath.Join(dir, "dropped.json"), "dropped.pdf")

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "processed", "dropped.json"))
		return err == nil
	})
	docs, err := store.ListDocuments(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].State != models.StateReady {
		t.Errorf("expected one ready document, got %v", docs)
	}
}

func TestWatcher_MalformedFileMovedToFailed(t *testing.T) {
	dir := t.TempDir()
	pipeline, store := newSpoolPipeline(t)

	w := NewWatcher(dir, pipeline, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "failed", "broken.json"))
		return err == nil
	})
	docs, err := store.ListDocuments(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("malformed file should not create documents, got %v", docs)
	}
}

func TestWatcher_EmptyPayloadMovedToFailed(t *testing.T) {
	dir := t.TempDir()
	pipeline, _ := newSpoolPipeline(t)

	w := NewWatcher(dir, pipeline, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Valid JSON, but no pages: rejected by source validation.
	if err := os.WriteFile(filepath.Join(dir, "empty.json"), []byte(`{"name":"empty.pdf","pages":[]}`), 0600); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "failed", "empty.json"))
		return err == nil
	})
}
