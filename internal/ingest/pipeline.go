package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/config"
	"github.com/hyperjump/shoko/internal/fulltext"
	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
	"github.com/hyperjump/shoko/internal/unitstore"
	"github.com/hyperjump/shoko/internal/vector"
	"github.com/hyperjump/shoko/pkg/utils"
)

// Pipeline drives documents through the ingestion lifecycle:
// created -> parsing -> segmented -> indexing -> ready, or failed with the
// stage recorded. It also acts as the store's index queue, so unit IDs are
// queued for indexing before PutUnits returns.
type Pipeline struct {
	store      *unitstore.Store
	fulltext   fulltext.Index
	vectors    vector.Index // nil when semantic indexing is disabled
	vectorPath string
	config     *config.IngestConfig
	logger     *zap.Logger

	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
	pending  map[string][]unitid.UnitID
}

// NewPipeline creates a pipeline and registers it as the store's index queue.
// vectors may be nil when semantic indexing is disabled.
func NewPipeline(
	store *unitstore.Store,
	ft fulltext.Index,
	vectors vector.Index,
	vectorPath string,
	cfg *config.IngestConfig,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		store:      store,
		fulltext:   ft,
		vectors:    vectors,
		vectorPath: vectorPath,
		config:     cfg,
		logger:     logger,
		docLocks:   make(map[string]*sync.Mutex),
		pending:    make(map[string][]unitid.UnitID),
	}
	store.SetIndexQueue(p)
	return p
}

// Enqueue implements unitstore.IndexQueue. IDs stay queued until the
// indexing stage drains them for their document.
func (p *Pipeline) Enqueue(docID string, ids []unitid.UnitID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[docID] = append(p.pending[docID], ids...)
}

func (p *Pipeline) drain(docID string) []unitid.UnitID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.pending[docID]
	delete(p.pending, docID)
	return ids
}

func (p *Pipeline) docLock(docID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.docLocks[docID]
	if !ok {
		mu = &sync.Mutex{}
		p.docLocks[docID] = mu
	}
	return mu
}

// Ingest runs the full lifecycle for one source. Calling it again for a doc
// ID that already has pages appends only the pages not yet stored; existing
// pages keep their units, IDs, and coverage untouched.
func (p *Pipeline) Ingest(ctx context.Context, src PageSource) (*models.Document, error) {
	if _, ok := ctx.Deadline(); !ok && p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	started := time.Now()
	docID := src.DocID()
	log := p.logger.With(
		zap.String("job_id", uuid.NewString()),
		zap.String("doc_id", docID),
	)

	doc := &models.Document{
		DocID:      docID,
		Name:       src.Name(),
		State:      models.StateCreated,
		IngestedAt: time.Now().UTC(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	var newPages []int
	for _, n := range src.PageNumbers() {
		exists, err := p.store.HasPage(ctx, docID, n)
		if err != nil {
			return nil, err
		}
		if !exists {
			newPages = append(newPages, n)
		}
	}
	if len(newPages) == 0 {
		log.Info("no new pages in payload, nothing to ingest")
		return p.store.GetDocument(ctx, docID)
	}

	if err := p.setState(ctx, docID, models.StateParsing); err != nil {
		return nil, err
	}
	drafts, failedPages, err := p.fetchPages(ctx, src, newPages, log)
	if err != nil {
		return nil, p.fail(ctx, docID, models.StateParsing, err, log)
	}
	if ratio := float64(len(failedPages)) / float64(len(newPages)); ratio > p.config.MaxPageFailureRatio {
		err := fmt.Errorf("%d of %d pages failed to parse", len(failedPages), len(newPages))
		return nil, p.fail(ctx, docID, models.StateParsing, err, log)
	}

	// Pages are persisted in ascending page order regardless of worker
	// completion order, so unit indices come out the same on every run.
	// drafts can be empty when every new page failed within the tolerated
	// ratio; the failed pages are still recorded below.
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].PageNo < drafts[j].PageNo })
	if len(drafts) > 0 {
		seed, err := p.seedSectionPath(ctx, docID, drafts[0].PageNo)
		if err != nil {
			return nil, p.fail(ctx, docID, models.StateSegmented, err, log)
		}
		assignSectionPaths(drafts, seed)
	}

	for _, pageNo := range failedPages {
		page := &models.Page{DocID: docID, PageNo: pageNo, Failed: true}
		if err := p.store.UpsertPage(ctx, page); err != nil {
			return nil, p.fail(ctx, docID, models.StateSegmented, err, log)
		}
	}
	unitTotal := 0
	for _, d := range drafts {
		page := &models.Page{
			DocID:     docID,
			PageNo:    d.PageNo,
			Width:     d.Width,
			Height:    d.Height,
			UnitCount: len(d.Units),
		}
		if err := p.store.UpsertPage(ctx, page); err != nil {
			return nil, p.fail(ctx, docID, models.StateSegmented, err, log)
		}
		ids, err := p.store.PutUnits(ctx, docID, d.PageNo, d.Units)
		if err != nil {
			return nil, p.fail(ctx, docID, models.StateSegmented, err, log)
		}
		unitTotal += len(ids)
	}
	pages, err := p.store.Pages(ctx, docID)
	if err != nil {
		return nil, p.fail(ctx, docID, models.StateSegmented, err, log)
	}
	if err := p.store.SetPageCount(ctx, docID, len(pages)); err != nil {
		return nil, p.fail(ctx, docID, models.StateSegmented, err, log)
	}
	if err := p.setState(ctx, docID, models.StateSegmented); err != nil {
		return nil, err
	}

	if err := p.setState(ctx, docID, models.StateIndexing); err != nil {
		return nil, err
	}
	if err := p.indexDocument(ctx, docID, log); err != nil {
		return nil, p.fail(ctx, docID, models.StateIndexing, err, log)
	}
	if err := p.setState(ctx, docID, models.StateReady); err != nil {
		return nil, err
	}

	log.Info("document ready",
		zap.Int("pages", len(pages)),
		zap.Int("failed_pages", len(failedPages)),
		zap.Int("units", unitTotal),
		zap.Duration("elapsed", time.Since(started)),
	)
	return p.store.GetDocument(ctx, docID)
}

// Resume restarts indexing for a document stuck in segmented or indexing, or
// failed during indexing. All stored units are re-queued; index upserts are
// idempotent so re-indexing already indexed units is harmless.
func (p *Pipeline) Resume(ctx context.Context, docID string) (*models.Document, error) {
	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	switch doc.State {
	case models.StateReady:
		return doc, nil
	case models.StateSegmented, models.StateIndexing:
	case models.StateFailed:
		if doc.FailedStage == string(models.StateParsing) {
			return nil, &models.ValidationError{DocID: docID, Reason: "parsing failed, re-ingest instead of resuming"}
		}
	default:
		return nil, &models.ValidationError{DocID: docID, Reason: fmt.Sprintf("cannot resume from state %q", doc.State)}
	}

	units, err := p.store.UnitsByDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	ids := make([]unitid.UnitID, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	p.drain(docID)
	p.Enqueue(docID, ids)

	log := p.logger.With(zap.String("doc_id", docID))
	if err := p.setState(ctx, docID, models.StateIndexing); err != nil {
		return nil, err
	}
	if err := p.indexDocument(ctx, docID, log); err != nil {
		return nil, p.fail(ctx, docID, models.StateIndexing, err, log)
	}
	if err := p.setState(ctx, docID, models.StateReady); err != nil {
		return nil, err
	}
	log.Info("document resumed", zap.Int("units", len(ids)))
	return p.store.GetDocument(ctx, docID)
}

// RegisterEmbeddings stores embedding vectors that arrived from the embedding
// collaborator. Pairs naming unknown or foreign units are logged and skipped;
// the rest are normalized, upserted, and persisted. Returns the number of
// vectors accepted.
func (p *Pipeline) RegisterEmbeddings(ctx context.Context, docID string, pairs []models.EmbeddingPair) (int, error) {
	if p.vectors == nil {
		return 0, &models.ValidationError{DocID: docID, Reason: "semantic indexing is disabled"}
	}
	accepted := 0
	for _, pair := range pairs {
		id, err := unitid.Parse(pair.UnitID)
		if err != nil {
			p.logger.Warn("skipping embedding with malformed unit id",
				zap.String("unit_id", pair.UnitID), zap.Error(err))
			continue
		}
		if id.Doc != docID {
			p.logger.Warn("skipping embedding for foreign document",
				zap.String("unit_id", pair.UnitID), zap.String("doc_id", docID))
			continue
		}
		unit, err := p.store.GetUnit(ctx, id)
		if err != nil {
			if models.IsNotFound(err) {
				p.logger.Warn("skipping embedding for unknown unit", zap.String("unit_id", pair.UnitID))
				continue
			}
			return accepted, err
		}
		utils.NormalizeL2(pair.Vector)
		if err := p.vectors.Upsert(ctx, id, unit.Modality, pair.Vector); err != nil {
			return accepted, err
		}
		accepted++
	}
	if accepted > 0 && p.vectorPath != "" {
		if err := p.vectors.Save(p.vectorPath); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

type pageResult struct {
	pageNo int
	draft  *models.PageDraft
	err    error
}

func (p *Pipeline) fetchPages(ctx context.Context, src PageSource, pageNos []int, log *zap.Logger) ([]*models.PageDraft, []int, error) {
	workers := p.config.PageWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(pageNos) {
		workers = len(pageNos)
	}

	jobs := make(chan int)
	results := make(chan pageResult)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				draft, err := p.fetchPage(ctx, src, n)
				results <- pageResult{pageNo: n, draft: draft, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, n := range pageNos {
			select {
			case jobs <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		drafts      []*models.PageDraft
		failedPages []int
	)
	for r := range results {
		if r.err != nil {
			log.Warn("page parse failed", zap.Int("page_no", r.pageNo), zap.Error(r.err))
			failedPages = append(failedPages, r.pageNo)
			continue
		}
		drafts = append(drafts, r.draft)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sort.Ints(failedPages)
	return drafts, failedPages, nil
}

func (p *Pipeline) fetchPage(ctx context.Context, src PageSource, pageNo int) (*models.PageDraft, error) {
	attempts := p.config.PageRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		draft, err := src.Page(ctx, pageNo)
		if err == nil {
			if draft.PageNo != pageNo {
				return nil, fmt.Errorf("source returned page %d for request %d", draft.PageNo, pageNo)
			}
			return draft, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// seedSectionPath reconstructs the section path in effect just before the
// first new page: the path of the last unit on the nearest earlier page.
func (p *Pipeline) seedSectionPath(ctx context.Context, docID string, firstNewPage int) ([]string, error) {
	pages, err := p.store.Pages(ctx, docID)
	if err != nil {
		return nil, err
	}
	last := 0
	for _, pg := range pages {
		if pg.PageNo < firstNewPage && pg.PageNo > last && !pg.Failed {
			last = pg.PageNo
		}
	}
	if last == 0 {
		return nil, nil
	}
	units, err := p.store.UnitsByPage(ctx, docID, last)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, nil
	}
	return units[len(units)-1].SectionPath, nil
}

// indexDocument drains the queued unit IDs for one document and writes them
// into the full-text index, then persists the vector index snapshot. Index
// updates for one document are serialized through a per-document lock.
func (p *Pipeline) indexDocument(ctx context.Context, docID string, log *zap.Logger) error {
	mu := p.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	ids := p.drain(docID)
	if len(ids) == 0 {
		return nil
	}
	units := make([]*models.EvidenceUnit, 0, len(ids))
	for _, id := range ids {
		u, err := p.store.GetUnit(ctx, id)
		if err != nil {
			return err
		}
		units = append(units, u)
	}

	err := p.withRetries(ctx, "full-text upsert", log, func() error {
		for _, u := range units {
			if err := p.fulltext.Upsert(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if p.vectors != nil && p.vectorPath != "" {
		err := p.withRetries(ctx, "vector snapshot", log, func() error {
			return p.vectors.Save(p.vectorPath)
		})
		if err != nil {
			return err
		}
	}
	log.Info("indexed units", zap.Int("count", len(units)))
	return nil
}

func (p *Pipeline) withRetries(ctx context.Context, op string, log *zap.Logger, fn func() error) error {
	attempts := p.config.IndexRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.config.IndexBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		log.Warn("index write failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (p *Pipeline) setState(ctx context.Context, docID string, state models.DocState) error {
	return p.store.SetDocumentState(ctx, docID, state, "", "")
}

// fail records the failed state (with the stage that broke) and wraps the
// cause. The state write uses a fresh context so a canceled ingest context
// cannot keep the failure from being recorded.
func (p *Pipeline) fail(ctx context.Context, docID string, stage models.DocState, err error, log *zap.Logger) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = &models.TimeoutError{Op: "ingest", Err: err}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := p.store.SetDocumentState(sctx, docID, models.StateFailed, string(stage), err.Error()); serr != nil {
		log.Error("could not record failed state", zap.Error(serr))
	}
	log.Error("ingestion failed", zap.String("stage", string(stage)), zap.Error(err))
	return &models.IngestionFailure{DocID: docID, Stage: stage, Err: err}
}
