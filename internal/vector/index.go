// Package vector provides nearest-neighbor search over unit embeddings.
package vector

import (
	"context"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

// Hit is a single similarity search result. Similarity is cosine in [-1,1]
// (dot product of L2-normalized vectors); higher is more relevant.
type Hit struct {
	ID         unitid.UnitID
	Similarity float64
}

// Index defines semantic search operations. Embeddings are produced by an
// external collaborator and arrive asynchronously; units without an
// embedding are simply absent from results, never an error.
type Index interface {
	// Upsert stores or replaces the vector for one unit. Idempotent.
	Upsert(ctx context.Context, id unitid.UnitID, modality models.Modality, vec []float32) error
	Remove(ctx context.Context, ids []unitid.UnitID) error
	// Search returns up to topK units of one document by similarity,
	// ties broken by (page asc, unit index asc). modalities filters
	// results; empty means all.
	Search(ctx context.Context, docID string, query []float32, modalities []models.Modality, topK int) ([]*Hit, error)
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}
