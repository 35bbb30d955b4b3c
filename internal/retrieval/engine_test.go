package retrieval

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/config"
	"github.com/hyperjump/shoko/internal/coverage"
	"github.com/hyperjump/shoko/internal/fulltext"
	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
	"github.com/hyperjump/shoko/internal/unitstore"
	"github.com/hyperjump/shoko/internal/vector"
)

type testEnv struct {
	store   *unitstore.Store
	ft      *fulltext.BleveIndex
	vectors *vector.MemoryIndex
	ledger  *coverage.Ledger
	engine  *Engine
}

func retrievalConfig() *config.RetrievalConfig {
	return &config.RetrievalConfig{
		DefaultTopK:    10,
		MaxTopK:        100,
		LexicalWeight:  0.5,
		SemanticWeight: 0.5,
		TopKCandidates: 100,
		Timeout:        30 * time.Second,
	}
}

func newTestEnv(t *testing.T) *testEnv {
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
	vectors, err := vector.NewMemoryIndex(4)
	if err != nil {
		t.Fatal(err)
	}
	ledger := coverage.NewLedger(store)
	engine := NewEngine(store, ft, vectors, ledger, retrievalConfig(), zap.NewNop())
	t.Cleanup(func() {
		ft.Close()
		store.Close()
	})
	return &testEnv{store: store, ft: ft, vectors: vectors, ledger: ledger, engine: engine}
}

// seedWarrantyDoc ingests a small three-page document: a text page about
// terms, a page with a coverage limits table, and a page with a claim flow
// figure. Everything is written to the store and the full-text index.
func (e *testEnv) seedWarrantyDoc(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	docID := "doc-warranty"
	if err := e.store.CreateDocument(ctx, &models.Document{DocID: docID, Name: "warranty.pdf"}); err != nil {
		t.Fatal(err)
	}

	pages := map[int][]models.UnitDraft{
		1: {
			{
				Modality:    models.ModalityText,
				BBox:        models.BBox{X0: 50, Y0: 80, X1: 550, Y1: 140},
				Content:     "The limited warranty covers defects in materials for two years.",
				SectionPath: []string{"Warranty", "Terms"},
			},
			{
				Modality:    models.ModalityText,
				BBox:        models.BBox{X0: 50, Y0: 160, X1: 550, Y1: 220},
				Content:     "Shipping damage is not covered.",
				SectionPath: []string{"Warranty", "Exclusions"},
			},
		},
		2: {
			{
				Modality:    models.ModalityTable,
				BBox:        models.BBox{X0: 40, Y0: 100, X1: 560, Y1: 400},
				Table:       &models.TablePayload{HeaderSample: "component warranty period labor"},
				SectionPath: []string{"Warranty", "Coverage Limits"},
			},
		},
		3: {
			{
				Modality:    models.ModalityFigure,
				BBox:        models.BBox{X0: 100, Y0: 100, X1: 500, Y1: 500},
				Figure:      &models.FigurePayload{ImageRef: "fig-claim.png", Caption: "Warranty claim filing flow"},
				SectionPath: []string{"Claims"},
			},
		},
	}
	for pageNo, drafts := range pages {
		_ = e.store.UpsertPage(ctx, &models.Page{DocID: docID, PageNo: pageNo, UnitCount: len(drafts)})
		ids, err := e.store.PutUnits(ctx, docID, pageNo, drafts)
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range ids {
			unit, err := e.store.GetUnit(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if err := e.ft.Upsert(ctx, unit); err != nil {
				t.Fatal(err)
			}
		}
	}
	_ = e.store.SetDocumentState(ctx, docID, models.StateReady, "", "")
	return docID
}

func TestEngine_RetrieveCitations(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)

	plan := &models.QueryPlan{Terms: []string{"warranty"}, TopK: 10}
	res, err := env.engine.Retrieve(context.Background(), docID, plan)
	if err != nil {
		t.Fatal(err)
	}
	if res.DocID != docID {
		t.Errorf("doc id wrong: %s", res.DocID)
	}
	if len(res.Citations) < 3 {
		t.Fatalf("expected at least 3 citations, got %d", len(res.Citations))
	}
	for i, c := range res.Citations {
		if c.Rank != i+1 {
			t.Errorf("rank %d at position %d", c.Rank, i)
		}
		if c.UnitID.Doc != docID || c.Page != c.UnitID.Page {
			t.Errorf("anchor fields inconsistent: %+v", c)
		}
		if c.BBox == [4]float64{} {
			t.Errorf("citation %v missing bbox", c.UnitID)
		}
		if len(c.SectionPath) == 0 {
			t.Errorf("citation %v missing section path", c.UnitID)
		}
	}
	// The lowest-ranked hit normalizes to zero, but the top must not.
	if res.Citations[0].Score <= 0 {
		t.Errorf("top citation has non-positive score: %+v", res.Citations[0])
	}

	// Every returned citation must be recorded in the ledger.
	for _, c := range res.Citations {
		entry, err := env.ledger.Entry(context.Background(), c.UnitID)
		if err != nil {
			t.Fatal(err)
		}
		if entry == nil || entry.CiteCount < 1 {
			t.Errorf("citation %v not recorded in ledger", c.UnitID)
		}
	}
}

func TestEngine_Deterministic(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)

	plan := func() *models.QueryPlan {
		return &models.QueryPlan{Terms: []string{"warranty", "claim"}, TopK: 10}
	}
	first, err := env.engine.Retrieve(context.Background(), docID, plan())
	if err != nil {
		t.Fatal(err)
	}
	order := func(res *models.RetrieveResponse) []unitid.UnitID {
		ids := make([]unitid.UnitID, len(res.Citations))
		for i, c := range res.Citations {
			ids[i] = c.UnitID
		}
		return ids
	}
	for run := 0; run < 3; run++ {
		again, err := env.engine.Retrieve(context.Background(), docID, plan())
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(order(first), order(again)) {
			t.Errorf("ordering changed across runs: %v vs %v", order(first), order(again))
		}
	}
}

func TestEngine_ModalityFilterAndWeights(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)
	ctx := context.Background()

	tablesOnly := &models.QueryPlan{
		Terms:      []string{"warranty"},
		Modalities: []models.Modality{models.ModalityTable},
		TopK:       10,
	}
	res, err := env.engine.Retrieve(ctx, docID, tablesOnly)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Citations) != 1 || res.Citations[0].Modality != models.ModalityTable {
		t.Errorf("modality filter wrong: %+v", res.Citations)
	}

	// Silencing text with a zero weight pushes it to the bottom.
	weighted := &models.QueryPlan{
		Terms:           []string{"warranty"},
		ModalityWeights: map[models.Modality]float64{models.ModalityText: 0},
		TopK:            10,
	}
	res, err = env.engine.Retrieve(ctx, docID, weighted)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range res.Citations {
		if c.Modality == models.ModalityText && c.Score != 0 {
			t.Errorf("text citation %d not silenced: %+v", i, c)
		}
	}
	if res.Citations[0].Modality == models.ModalityText {
		t.Error("silenced modality ranked first")
	}
}

func TestEngine_HybridFusion(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)
	ctx := context.Background()

	// Give the exclusions unit (page 1, index 1) the best embedding match.
	vecFor := func(x, y float32) []float32 { return []float32{x, y, 0, 0} }
	ids := []unitid.UnitID{
		{Doc: docID, Page: 1, Index: 0},
		{Doc: docID, Page: 1, Index: 1},
	}
	_ = env.vectors.Upsert(ctx, ids[0], models.ModalityText, vecFor(0, 1))
	_ = env.vectors.Upsert(ctx, ids[1], models.ModalityText, vecFor(1, 0))

	plan := &models.QueryPlan{
		Terms:          []string{"shipping"},
		Vector:         vecFor(1, 0),
		LexicalWeight:  0.5,
		SemanticWeight: 0.5,
		TopK:           10,
	}
	res, err := env.engine.Retrieve(ctx, docID, plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Citations) == 0 {
		t.Fatal("expected citations")
	}
	top := res.Citations[0]
	if top.UnitID != ids[1] {
		t.Errorf("expected lexical+semantic winner %v first, got %v", ids[1], top.UnitID)
	}
	if top.LexScore == 0 || top.SemScore == 0 {
		t.Errorf("winner should carry both score components: %+v", top)
	}
}

func TestEngine_SkipsInconsistentIndexEntries(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)
	ctx := context.Background()

	// Index an entry whose unit does not exist in the store. Retrieval must
	// drop it without failing.
	ghost := &models.EvidenceUnit{
		ID:       unitid.UnitID{Doc: docID, Page: 9, Index: 0},
		Modality: models.ModalityText,
		Text:     "warranty ghost entry",
	}
	if err := env.ft.Upsert(ctx, ghost); err != nil {
		t.Fatal(err)
	}

	res, err := env.engine.Retrieve(ctx, docID, &models.QueryPlan{Terms: []string{"warranty"}, TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range res.Citations {
		if c.UnitID == ghost.ID {
			t.Errorf("inconsistent entry returned: %+v", c)
		}
	}
}

func TestEngine_UnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Retrieve(context.Background(), "doc-missing",
		&models.QueryPlan{Terms: []string{"x"}, TopK: 5})
	if !models.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestEngine_InvalidPlan(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)
	if _, err := env.engine.Retrieve(context.Background(), docID, &models.QueryPlan{}); err == nil {
		t.Error("empty plan accepted")
	}
}

func TestEngine_TopKTruncation(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)
	res, err := env.engine.Retrieve(context.Background(), docID,
		&models.QueryPlan{Terms: []string{"warranty"}, TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Citations) != 1 {
		t.Errorf("expected 1 citation, got %d", len(res.Citations))
	}
}

func TestEngine_NilVectorIndex(t *testing.T) {
	env := newTestEnv(t)
	docID := env.seedWarrantyDoc(t)
	noVec := NewEngine(env.store, env.ft, nil, env.ledger, retrievalConfig(), zap.NewNop())

	res, err := noVec.Retrieve(context.Background(), docID, &models.QueryPlan{
		Terms:  []string{"warranty"},
		Vector: []float32{1, 0, 0, 0},
		TopK:   10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Citations) == 0 {
		t.Error("lexical side should still produce citations")
	}
}
