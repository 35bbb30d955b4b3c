// Package vector provides an in-memory vector index with binary persistence.
package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

type entry struct {
	id       unitid.UnitID
	modality models.Modality
	vec      []float32
}

// MemoryIndex is an in-memory vector index using brute-force inner product
// search over L2-normalized vectors. Per-document unit counts stay small
// enough that brute force is adequate.
type MemoryIndex struct {
	dimensions int
	entries    map[string]*entry // keyed by unit ID anchor string
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		entries:    make(map[string]*entry),
	}, nil
}

// Upsert stores or replaces the vector for one unit. The vector is copied.
func (m *MemoryIndex) Upsert(ctx context.Context, id unitid.UnitID, modality models.Modality, vec []float32) error {
	if len(vec) != m.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), m.dimensions)
	}
	v := make([]float32, m.dimensions)
	copy(v, vec)
	m.mu.Lock()
	m.entries[id.String()] = &entry{id: id, modality: modality, vec: v}
	m.mu.Unlock()
	return nil
}

// Remove removes vectors by ID. Absent IDs are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, ids []unitid.UnitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id.String())
	}
	return nil
}

// Search returns the top-k units of one document by cosine similarity.
// Units without a stored embedding are excluded rather than failing.
func (m *MemoryIndex) Search(ctx context.Context, docID string, query []float32, modalities []models.Modality, topK int) ([]*Hit, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	if topK <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &models.TimeoutError{Op: "vector search", Err: err}
	}

	wantModality := make(map[models.Modality]bool, len(modalities))
	for _, mod := range modalities {
		wantModality[mod] = true
	}

	m.mu.RLock()
	hits := make([]*Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if e.id.Doc != docID {
			continue
		}
		if len(wantModality) > 0 && !wantModality[e.modality] {
			continue
		}
		var dot float64
		for j := 0; j < m.dimensions; j++ {
			dot += float64(query[j] * e.vec[j])
		}
		hits = append(hits, &Hit{ID: e.id, Similarity: dot})
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
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

// Save persists the index to path. Directory is created if needed.
// Format: dimensions (4), n (4), then per entry: idLen (4), id bytes,
// modalityLen (4), modality bytes, vector (dimensions*4 bytes).
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(m.entries))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	// Stable file layout across saves.
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := m.entries[k]
		if err := writeBytes(f, []byte(k)); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if err := writeBytes(f, []byte(e.modality)); err != nil {
			return fmt.Errorf("write modality: %w", err)
		}
		if _, err := f.Write(float32SliceToBytes(e.vec)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents.
// Dimensions must match. A missing file is not an error; the index is
// simply left empty.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	var dim, n uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	entries := make(map[string]*entry, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		idBytes, err := readBytes(f)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		modBytes, err := readBytes(f)
		if err != nil {
			return fmt.Errorf("read modality: %w", err)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		id, err := unitid.Parse(string(idBytes))
		if err != nil {
			return fmt.Errorf("corrupt unit id in index file: %w", err)
		}
		entries[string(idBytes)] = &entry{
			id:       id,
			modality: models.Modality(modBytes),
			vec:      bytesToFloat32Slice(buf),
		}
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func writeBytes(f *os.File, b []byte) error {
	if err := binary.Write(f, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

func readBytes(f *os.File) ([]byte, error) {
	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, err
	}
	return b, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
