package models

import (
	"time"

	"github.com/hyperjump/shoko/internal/unitid"
)

// Citation is one anchor-carrying retrieval result. The JSON field names are
// the persisted anchor format and must stay stable across versions so that
// issued citations remain reproducible.
type Citation struct {
	UnitID      unitid.UnitID `json:"unit_id"`
	DocID       string        `json:"doc_id"`
	Page        int           `json:"page"`
	BBox        [4]float64    `json:"bbox"`
	SectionPath []string      `json:"section_path"`
	Modality    Modality      `json:"modality"`
	Score       float64       `json:"score"`
	LexScore    float64       `json:"lexical_score,omitempty"`
	SemScore    float64       `json:"semantic_score,omitempty"`
	Snippet     string        `json:"snippet,omitempty"`
	Rank        int           `json:"rank"`
}

// RetrieveResponse is the retrieval API payload.
type RetrieveResponse struct {
	DocID     string      `json:"doc_id"`
	Citations []*Citation `json:"citations"`
	QueryTime int64       `json:"query_time_ms"`
}

// CoverageEntry records citation counts for one unit. Append/increment only.
type CoverageEntry struct {
	UnitID     unitid.UnitID `json:"unit_id"`
	FirstCited time.Time     `json:"first_cited"`
	CiteCount  int64         `json:"cite_count"`
}

// CoverageReport aggregates citation coverage for one document.
type CoverageReport struct {
	DocID                  string  `json:"doc_id"`
	PercentSectionsCovered float64 `json:"percent_sections_covered"`
	TablesCited            int     `json:"tables_cited_count"`
	FiguresCited           int     `json:"figures_cited_count"`
	UncitedPages           []int   `json:"uncited_pages"`
}

// EmbeddingPair is the embedding-collaborator boundary shape: one vector for
// one unit, delivered asynchronously after text or caption extraction.
type EmbeddingPair struct {
	UnitID string    `json:"unit_id"`
	Vector []float32 `json:"vector"`
}

// SectionNode is one node of a document outline tree.
type SectionNode struct {
	Title    string         `json:"title"`
	Path     []string       `json:"path"`
	Children []*SectionNode `json:"children,omitempty"`
}
