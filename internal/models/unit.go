// Package models defines core data structures for documents, evidence units,
// query plans, and citations.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/hyperjump/shoko/internal/unitid"
)

// Modality identifies the kind of evidence a unit carries.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityTable  Modality = "table"
	ModalityFigure Modality = "figure"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityTable, ModalityFigure:
		return true
	}
	return false
}

// DocState is the ingestion lifecycle state of a document.
type DocState string

const (
	StateCreated   DocState = "created"
	StateParsing   DocState = "parsing"
	StateSegmented DocState = "segmented"
	StateIndexing  DocState = "indexing"
	StateReady     DocState = "ready"
	StateFailed    DocState = "failed"
)

// Document is one ingested source. Immutable once ready except for
// incremental append of new pages under the same doc ID.
type Document struct {
	DocID       string    `json:"doc_id" db:"doc_id"`
	Name        string    `json:"name" db:"name"`
	PageCount   int       `json:"page_count" db:"page_count"`
	State       DocState  `json:"state" db:"state"`
	FailedStage string    `json:"failed_stage,omitempty" db:"failed_stage"`
	LastError   string    `json:"last_error,omitempty" db:"last_error"`
	IngestedAt  time.Time `json:"ingested_at" db:"ingested_at"`
}

// Page belongs to exactly one document. Created during ingestion, never
// mutated afterwards.
type Page struct {
	DocID     string  `json:"doc_id"`
	PageNo    int     `json:"page_no"` // 1-based
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	UnitCount int     `json:"unit_count"`
	Failed    bool    `json:"failed"`
}

// BBox is a page region in page coordinate space: x0,y0 top-left, x1,y1
// bottom-right.
type BBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Validate checks that all coordinates are finite and the box is not inverted.
func (b BBox) Validate() error {
	for _, v := range []float64{b.X0, b.Y0, b.X1, b.Y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite coordinate %v", v)
		}
	}
	if b.X1 < b.X0 || b.Y1 < b.Y0 {
		return fmt.Errorf("inverted box [%g,%g,%g,%g]", b.X0, b.Y0, b.X1, b.Y1)
	}
	return nil
}

// Array returns the bbox in the persisted anchor order [x0,y0,x1,y1].
func (b BBox) Array() [4]float64 {
	return [4]float64{b.X0, b.Y0, b.X1, b.Y1}
}

// TablePayload is the structured content of a table unit. HeaderSample is a
// precomputed surrogate used for search when the full rows are too noisy.
type TablePayload struct {
	Rows         [][]string `json:"rows,omitempty"`
	HeaderSample string     `json:"header_sample,omitempty"`
}

// FigurePayload references a figure unit's image crop (stored by an external
// asset store) and carries its caption surrogate.
type FigurePayload struct {
	ImageRef string `json:"image_ref,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// EvidenceUnit is the atomic retrievable item: a tagged variant over
// {text, table, figure} with a shared anchor envelope. Exactly one of
// Text/Table/Figure is meaningful, selected by Modality.
type EvidenceUnit struct {
	ID          unitid.UnitID  `json:"unit_id"`
	Modality    Modality       `json:"modality"`
	SectionPath []string       `json:"section_path"`
	BBox        BBox           `json:"bbox"`
	Text        string         `json:"text,omitempty"`
	Table       *TablePayload  `json:"table,omitempty"`
	Figure      *FigurePayload `json:"figure,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SearchText returns the representation indexed for full-text search:
// the raw text for text units, the header sample (or flattened rows) for
// tables, and the caption for figures.
func (u *EvidenceUnit) SearchText() string {
	switch u.Modality {
	case ModalityTable:
		if u.Table == nil {
			return ""
		}
		if u.Table.HeaderSample != "" {
			return u.Table.HeaderSample
		}
		return flattenRows(u.Table.Rows)
	case ModalityFigure:
		if u.Figure == nil {
			return ""
		}
		return u.Figure.Caption
	default:
		return u.Text
	}
}

func flattenRows(rows [][]string) string {
	var out string
	for _, row := range rows {
		for _, cell := range row {
			if out != "" {
				out += " "
			}
			out += cell
		}
	}
	return out
}

// UnitDraft is the parser-boundary shape for one evidence unit before it has
// an identity. IndexHint is advisory only; the store assigns the final
// unit index from draft order.
type UnitDraft struct {
	PageNo         int            `json:"page_no"`
	IndexHint      int            `json:"unit_index_hint,omitempty"`
	Modality       Modality       `json:"modality"`
	BBox           BBox           `json:"bbox"`
	Content        string         `json:"content,omitempty"`
	Table          *TablePayload  `json:"table,omitempty"`
	Figure         *FigurePayload `json:"figure,omitempty"`
	SectionHeading string         `json:"section_heading,omitempty"`
	HeadingLevel   int            `json:"heading_level,omitempty"` // 1..3, defaults to 1 when SectionHeading is set
	SectionPath    []string       `json:"section_path,omitempty"`  // filled by the pipeline
}

// Validate checks a draft before identity assignment.
func (d *UnitDraft) Validate() error {
	if !d.Modality.Valid() {
		return fmt.Errorf("unknown modality %q", d.Modality)
	}
	if err := d.BBox.Validate(); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	switch d.Modality {
	case ModalityText:
		if d.Content == "" {
			return fmt.Errorf("text unit without content")
		}
	case ModalityTable:
		if d.Table == nil {
			return fmt.Errorf("table unit without table payload")
		}
	case ModalityFigure:
		if d.Figure == nil {
			return fmt.Errorf("figure unit without figure payload")
		}
	}
	return nil
}

// PageDraft is one parsed page: its geometry plus the unit drafts the parser
// produced for it, in document order.
type PageDraft struct {
	PageNo int         `json:"page_no"`
	Width  float64     `json:"width"`
	Height float64     `json:"height"`
	Units  []UnitDraft `json:"units"`
}

// ParsedDocument is the full payload from the parsing collaborator: a named
// document and its parsed pages. DocID is optional; when empty a stable ID
// is derived from Name.
type ParsedDocument struct {
	DocID string      `json:"doc_id,omitempty"`
	Name  string      `json:"name"`
	Pages []PageDraft `json:"pages"`
}
