// Package ingest provides the ingestion pipeline that turns parsed pages
// into stored, indexed evidence units.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

// PageSource is the parsing-collaborator boundary: it yields unit drafts per
// page. The core depends on nothing about the parser beyond this shape.
// Page may fail transiently; the pipeline retries a bounded number of times
// before marking the page failed.
type PageSource interface {
	DocID() string
	Name() string
	PageNumbers() []int
	Page(ctx context.Context, pageNo int) (*models.PageDraft, error)
}

// JSONSource adapts an already-materialized ParsedDocument (spool file or
// API payload) to PageSource.
type JSONSource struct {
	docID string
	name  string
	pages map[int]*models.PageDraft
	order []int
}

// NewJSONSource validates the payload shape and derives a stable doc ID from
// the document name when none is given.
func NewJSONSource(doc *models.ParsedDocument) (*JSONSource, error) {
	if doc.Name == "" && doc.DocID == "" {
		return nil, &models.ValidationError{Reason: "parsed document needs a name or doc_id"}
	}
	docID := doc.DocID
	if docID == "" {
		docID = unitid.DocID(doc.Name)
	}
	if len(doc.Pages) == 0 {
		return nil, &models.ValidationError{DocID: docID, Reason: "parsed document has no pages"}
	}
	pages := make(map[int]*models.PageDraft, len(doc.Pages))
	order := make([]int, 0, len(doc.Pages))
	for i := range doc.Pages {
		p := &doc.Pages[i]
		if p.PageNo < 1 {
			return nil, &models.ValidationError{DocID: docID, PageNo: p.PageNo, Reason: "page_no must be 1-based"}
		}
		if _, dup := pages[p.PageNo]; dup {
			return nil, &models.ValidationError{DocID: docID, PageNo: p.PageNo, Reason: "duplicate page_no"}
		}
		pages[p.PageNo] = p
		order = append(order, p.PageNo)
	}
	sort.Ints(order)
	return &JSONSource{docID: docID, name: doc.Name, pages: pages, order: order}, nil
}

// DocID returns the stable document ID.
func (s *JSONSource) DocID() string { return s.docID }

// Name returns the document name.
func (s *JSONSource) Name() string { return s.name }

// PageNumbers returns the page numbers in ascending order.
func (s *JSONSource) PageNumbers() []int {
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// Page returns the draft for one page.
func (s *JSONSource) Page(ctx context.Context, pageNo int) (*models.PageDraft, error) {
	p, ok := s.pages[pageNo]
	if !ok {
		return nil, fmt.Errorf("page %d not in payload", pageNo)
	}
	return p, nil
}
