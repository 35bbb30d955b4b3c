// Package retrieval provides the retrieval engine over the unit store and
// both indices.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/config"
	"github.com/hyperjump/shoko/internal/coverage"
	"github.com/hyperjump/shoko/internal/fulltext"
	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
	"github.com/hyperjump/shoko/internal/unitstore"
	"github.com/hyperjump/shoko/internal/vector"
	"github.com/hyperjump/shoko/pkg/utils"
)

const snippetLen = 200

// Engine runs hybrid (lexical + semantic) retrieval and hydrates results
// into anchor-carrying citations.
type Engine struct {
	store    *unitstore.Store
	fulltext fulltext.Index
	vectors  vector.Index // nil when semantic search is disabled
	ledger   *coverage.Ledger
	config   *config.RetrievalConfig
	logger   *zap.Logger
}

// NewEngine creates a retrieval engine with the given dependencies.
// vectors may be nil when semantic indexing is disabled.
func NewEngine(
	store *unitstore.Store,
	ft fulltext.Index,
	vectors vector.Index,
	ledger *coverage.Ledger,
	cfg *config.RetrievalConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:    store,
		fulltext: ft,
		vectors:  vectors,
		ledger:   ledger,
		config:   cfg,
		logger:   logger,
	}
}

// Retrieve runs the query plan against both indices, fuses and ranks the
// candidates, hydrates the survivors from the unit store, and records
// coverage for every returned unit. Given unchanged index state, the same
// plan returns the same ordered sequence.
func (e *Engine) Retrieve(ctx context.Context, docID string, plan *models.QueryPlan) (*models.RetrieveResponse, error) {
	startTime := time.Now()
	if err := plan.Validate(e.config.DefaultTopK, e.config.MaxTopK); err != nil {
		return nil, &models.ValidationError{DocID: docID, Reason: err.Error()}
	}
	if plan.LexicalWeight == 0 && plan.SemanticWeight == 0 {
		plan.LexicalWeight = e.config.LexicalWeight
		plan.SemanticWeight = e.config.SemanticWeight
	}
	if _, err := e.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	var (
		lexHits []*fulltext.Hit
		semHits []*vector.Hit
		errChan = make(chan error, 2)
		wg      sync.WaitGroup
	)

	if len(plan.Terms) > 0 && plan.LexicalWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := e.fulltext.Search(ctx, docID, plan.Terms, plan.Modalities, e.config.TopKCandidates)
			if err != nil {
				errChan <- fmt.Errorf("full-text search failed: %w", err)
				return
			}
			lexHits = hits
		}()
	}

	if len(plan.Vector) > 0 && plan.SemanticWeight > 0 && e.vectors != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := e.vectors.Search(ctx, docID, plan.Vector, plan.Modalities, e.config.TopKCandidates)
			if err != nil {
				errChan <- fmt.Errorf("vector search failed: %w", err)
				return
			}
			semHits = hits
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	fused := Fuse(NormalizeLexical(lexHits), NormalizeSemantic(semHits), plan.LexicalWeight, plan.SemanticWeight)

	citations := e.hydrate(ctx, fused, plan)
	if len(citations) > plan.TopK {
		citations = citations[:plan.TopK]
	}
	for i, c := range citations {
		c.Rank = i + 1
	}

	if len(citations) > 0 {
		if err := e.recordCoverage(ctx, citations); err != nil {
			e.logger.Warn("failed to record coverage", zap.String("doc_id", docID), zap.Error(err))
		}
	}

	return &models.RetrieveResponse{
		DocID:     docID,
		Citations: citations,
		QueryTime: time.Since(startTime).Milliseconds(),
	}, nil
}

// hydrate resolves fused candidates into citations via the unit store,
// applying modality weights and re-ranking. A unit ID the store cannot
// resolve is an index inconsistency: it is logged and skipped, never a
// crash, because both indices are rebuildable caches.
func (e *Engine) hydrate(ctx context.Context, fused []*FusedResult, plan *models.QueryPlan) []*models.Citation {
	citations := make([]*models.Citation, 0, len(fused))
	for _, r := range fused {
		unit, err := e.store.GetUnit(ctx, r.ID)
		if err != nil {
			if models.IsNotFound(err) {
				incons := &models.IndexInconsistencyError{UnitID: r.ID.String(), Source: sourceOf(r)}
				e.logger.Warn("dropping inconsistent index entry", zap.Error(incons))
				continue
			}
			e.logger.Warn("unit hydration failed", zap.String("unit_id", r.ID.String()), zap.Error(err))
			continue
		}
		if !plan.WantsModality(unit.Modality) {
			continue
		}
		score := r.Score * plan.ModalityWeight(unit.Modality)
		citations = append(citations, &models.Citation{
			UnitID:      unit.ID,
			DocID:       unit.ID.Doc,
			Page:        unit.ID.Page,
			BBox:        unit.BBox.Array(),
			SectionPath: unit.SectionPath,
			Modality:    unit.Modality,
			Score:       score,
			LexScore:    r.LexScore,
			SemScore:    r.SemScore,
			Snippet:     utils.Truncate(unit.SearchText(), snippetLen),
		})
	}
	sortCitations(citations)
	return citations
}

func (e *Engine) recordCoverage(ctx context.Context, citations []*models.Citation) error {
	ids := make([]unitid.UnitID, 0, len(citations))
	for _, c := range citations {
		ids = append(ids, c.UnitID)
	}
	return e.ledger.Record(ctx, ids)
}

func sortCitations(citations []*models.Citation) {
	sort.SliceStable(citations, func(i, j int) bool {
		if citations[i].Score != citations[j].Score {
			return citations[i].Score > citations[j].Score
		}
		if citations[i].Page != citations[j].Page {
			return citations[i].Page < citations[j].Page
		}
		return citations[i].UnitID.Index < citations[j].UnitID.Index
	})
}

func sourceOf(r *FusedResult) string {
	if r.SemScore > 0 && r.LexScore == 0 {
		return "vector"
	}
	return "fulltext"
}
