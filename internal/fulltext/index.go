// Package fulltext provides ranked lexical search over evidence units.
package fulltext

import (
	"context"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

// Hit is a single full-text search result.
type Hit struct {
	ID    unitid.UnitID
	Score float64
}

// Index defines full-text operations over evidence units. Upsert and Delete
// are idempotent: repeating a call with the same arguments is safe.
type Index interface {
	Upsert(ctx context.Context, unit *models.EvidenceUnit) error
	Delete(ctx context.Context, id unitid.UnitID) error
	// Search returns up to topK hits for the given terms within one document,
	// highest score first; ties broken by lower page, then lower unit index.
	// modalities filters results; empty means all.
	Search(ctx context.Context, docID string, terms []string, modalities []models.Modality, topK int) ([]*Hit, error)
	UnitCount() (uint64, error)
	Close() error
}
