// Package fulltext provides the Bleve implementation of Index.
package fulltext

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

// unitDoc is the searchable representation of one evidence unit. It is
// derived data: always rebuildable from the unit store, never authoritative.
type unitDoc struct {
	DocID    string `json:"doc_id"`
	Modality string `json:"modality"`
	Content  string `json:"content"`
	Section  string `json:"section"`
}

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path. An existing index is
// opened and reused so incremental ingestion does not re-index prior pages.
// If the mapping changes in code, remove the index directory to force a
// rebuild from the unit store.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so a query term
	// matches the exact word it was written with.
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("section", textFieldMapping)
	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("doc_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("modality", keywordFieldMapping)
	im.AddDocumentMapping("unit", docMapping)
	im.DefaultType = "unit"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Upsert indexes a unit's searchable text. Indexing the same unit again
// replaces the previous entry.
func (b *BleveIndex) Upsert(ctx context.Context, unit *models.EvidenceUnit) error {
	doc := unitDoc{
		DocID:    unit.ID.Doc,
		Modality: string(unit.Modality),
		Content:  unit.SearchText(),
		Section:  strings.Join(unit.SectionPath, " "),
	}
	return b.index.Index(unit.ID.String(), doc)
}

// Delete removes a unit from the index. Deleting an absent ID is a no-op.
func (b *BleveIndex) Delete(ctx context.Context, id unitid.UnitID) error {
	return b.index.Delete(id.String())
}

// Search runs a term disjunction over content and section within one
// document, optionally filtered by modality. Results are ordered by score
// descending with ties broken by (page asc, unit index asc) so repeated
// searches over unchanged state return the same sequence.
func (b *BleveIndex) Search(ctx context.Context, docID string, terms []string, modalities []models.Modality, topK int) ([]*Hit, error) {
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	must := []blevequery.Query{docFilter(docID)}
	if len(modalities) > 0 {
		must = append(must, modalityFilter(modalities))
	}

	shoulds := make([]blevequery.Query, 0, len(terms)*2)
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		cq := bleve.NewMatchQuery(term)
		cq.SetField("content")
		sq := bleve.NewMatchQuery(term)
		sq.SetField("section")
		shoulds = append(shoulds, cq, sq)
	}
	if len(shoulds) == 0 {
		return nil, nil
	}

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(must...)
	boolQuery.AddShould(shoulds...)
	boolQuery.SetMinShould(1)

	// Over-request so the deterministic tie-break is applied before the
	// final truncation, not by Bleve's internal ordering at the cut.
	reqSize := topK * 2
	if reqSize < 50 {
		reqSize = 50
	}
	req := bleve.NewSearchRequest(boolQuery)
	req.Size = reqSize

	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &models.TimeoutError{Op: "full-text search", Err: ctx.Err()}
		}
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	hits := make([]*Hit, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, parseErr := unitid.Parse(hit.ID)
		if parseErr != nil {
			continue
		}
		hits = append(hits, &Hit{ID: id, Score: hit.Score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].ID.Page != hits[j].ID.Page {
			return hits[i].ID.Page < hits[j].ID.Page
		}
		return hits[i].ID.Index < hits[j].ID.Index
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func docFilter(docID string) blevequery.Query {
	q := bleve.NewTermQuery(docID)
	q.SetField("doc_id")
	return q
}

func modalityFilter(modalities []models.Modality) blevequery.Query {
	queries := make([]blevequery.Query, 0, len(modalities))
	for _, m := range modalities {
		q := bleve.NewTermQuery(string(m))
		q.SetField("modality")
		queries = append(queries, q)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// UnitCount returns the total number of units in the index.
func (b *BleveIndex) UnitCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
