package fulltext

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

func openTestIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func textUnit(doc string, page, index int, content string, section ...string) *models.EvidenceUnit {
	return &models.EvidenceUnit{
		ID:          unitid.UnitID{Doc: doc, Page: page, Index: index},
		Modality:    models.ModalityText,
		Text:        content,
		SectionPath: section,
	}
}

func indexAll(t *testing.T, idx *BleveIndex, units ...*models.EvidenceUnit) {
	t.Helper()
	ctx := context.Background()
	for _, u := range units {
		if err := idx.Upsert(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBleveIndex_SearchRanking(t *testing.T) {
	idx := openTestIndex(t)
	// The warranty page mentions the term twice, the claims page once, the
	// intro not at all.
	indexAll(t, idx,
		textUnit("doc-1", 1, 0, "introduction to the product line"),
		textUnit("doc-1", 2, 0, "warranty terms: the warranty covers parts and labor"),
		textUnit("doc-1", 3, 0, "claims under warranty are filed online"),
	)

	hits, err := idx.Search(context.Background(), "doc-1", []string{"warranty"}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID.Page != 2 {
		t.Errorf("double mention should rank first, got page %d", hits[0].ID.Page)
	}
	for _, h := range hits {
		if h.Score <= 0 {
			t.Errorf("hit %v has non-positive score", h.ID)
		}
	}
}

func TestBleveIndex_DocumentScoping(t *testing.T) {
	idx := openTestIndex(t)
	indexAll(t, idx,
		textUnit("doc-1", 1, 0, "warranty statement"),
		textUnit("doc-2", 1, 0, "warranty statement"),
	)

	hits, err := idx.Search(context.Background(), "doc-1", []string{"warranty"}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID.Doc != "doc-1" {
		t.Errorf("search leaked across documents: %+v", hits)
	}
}

func TestBleveIndex_ModalityFilter(t *testing.T) {
	idx := openTestIndex(t)
	table := &models.EvidenceUnit{
		ID:       unitid.UnitID{Doc: "doc-1", Page: 1, Index: 1},
		Modality: models.ModalityTable,
		Table:    &models.TablePayload{HeaderSample: "warranty coverage limits"},
	}
	figure := &models.EvidenceUnit{
		ID:       unitid.UnitID{Doc: "doc-1", Page: 1, Index: 2},
		Modality: models.ModalityFigure,
		Figure:   &models.FigurePayload{Caption: "warranty claim flow"},
	}
	indexAll(t, idx, textUnit("doc-1", 1, 0, "warranty text"), table, figure)

	ctx := context.Background()
	tables, err := idx.Search(ctx, "doc-1", []string{"warranty"}, []models.Modality{models.ModalityTable}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0].ID.Index != 1 {
		t.Errorf("table filter wrong: %+v", tables)
	}

	both, err := idx.Search(ctx, "doc-1", []string{"warranty"},
		[]models.Modality{models.ModalityTable, models.ModalityFigure}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 2 {
		t.Errorf("two-modality filter wrong: %+v", both)
	}
}

func TestBleveIndex_SectionMatches(t *testing.T) {
	idx := openTestIndex(t)
	indexAll(t, idx,
		textUnit("doc-1", 1, 0, "the period is ninety days", "Warranty", "Claims"),
		textUnit("doc-1", 2, 0, "unrelated body text", "Appendix"),
	)

	hits, err := idx.Search(context.Background(), "doc-1", []string{"claims"}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID.Page != 1 {
		t.Errorf("section heading should be searchable: %+v", hits)
	}
}

func TestBleveIndex_UpsertIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	unit := textUnit("doc-1", 1, 0, "original text about warranty")
	indexAll(t, idx, unit, unit, unit)

	count, err := idx.UnitCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 indexed unit, got %d", count)
	}

	// Re-indexing with new content replaces, not appends.
	unit.Text = "revised text about claims"
	indexAll(t, idx, unit)
	hits, _ := idx.Search(context.Background(), "doc-1", []string{"warranty"}, nil, 10)
	if len(hits) != 0 {
		t.Errorf("stale content still indexed: %+v", hits)
	}
	hits, _ = idx.Search(context.Background(), "doc-1", []string{"claims"}, nil, 10)
	if len(hits) != 1 {
		t.Errorf("revised content not indexed: %+v", hits)
	}
}

func TestBleveIndex_Delete(t *testing.T) {
	idx := openTestIndex(t)
	unit := textUnit("doc-1", 1, 0, "warranty")
	indexAll(t, idx, unit)

	ctx := context.Background()
	if err := idx.Delete(ctx, unit.ID); err != nil {
		t.Fatal(err)
	}
	hits, _ := idx.Search(ctx, "doc-1", []string{"warranty"}, nil, 10)
	if len(hits) != 0 {
		t.Errorf("deleted unit still returned: %+v", hits)
	}
	// Deleting again is a no-op.
	if err := idx.Delete(ctx, unit.ID); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestBleveIndex_EmptyQueries(t *testing.T) {
	idx := openTestIndex(t)
	indexAll(t, idx, textUnit("doc-1", 1, 0, "warranty"))

	ctx := context.Background()
	hits, err := idx.Search(ctx, "doc-1", nil, nil, 10)
	if err != nil || hits != nil {
		t.Errorf("empty terms should return nothing: %v, %v", hits, err)
	}
	hits, err = idx.Search(ctx, "doc-1", []string{"   ", ""}, nil, 10)
	if err != nil || hits != nil {
		t.Errorf("blank terms should return nothing: %v, %v", hits, err)
	}
	hits, err = idx.Search(ctx, "doc-1", []string{"warranty"}, nil, 0)
	if err != nil || hits != nil {
		t.Errorf("topK 0 should return nothing: %v, %v", hits, err)
	}
}

func TestBleveIndex_TieBreakOrder(t *testing.T) {
	idx := openTestIndex(t)
	// Identical content yields identical scores; order must fall back to
	// (page, index).
	indexAll(t, idx,
		textUnit("doc-1", 3, 0, "refund policy"),
		textUnit("doc-1", 1, 1, "refund policy"),
		textUnit("doc-1", 1, 0, "refund policy"),
		textUnit("doc-1", 2, 0, "refund policy"),
	)

	for run := 0; run < 3; run++ {
		hits, err := idx.Search(context.Background(), "doc-1", []string{"refund"}, nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 4 {
			t.Fatalf("expected 4 hits, got %d", len(hits))
		}
		want := []unitid.UnitID{
			{Doc: "doc-1", Page: 1, Index: 0},
			{Doc: "doc-1", Page: 1, Index: 1},
			{Doc: "doc-1", Page: 2, Index: 0},
			{Doc: "doc-1", Page: 3, Index: 0},
		}
		for i := range want {
			if hits[i].ID != want[i] {
				t.Errorf("run %d position %d: got %v, want %v", run, i, hits[i].ID, want[i])
			}
		}
	}
}

func TestBleveIndex_ReopenExisting(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bleve")
	idx, err := NewBleveIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	indexAll(t, idx, textUnit("doc-1", 1, 0, "persisted warranty entry"))
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBleveIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	hits, err := reopened.Search(context.Background(), "doc-1", []string{"warranty"}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("index did not survive reopen: %+v", hits)
	}
}
