// Package unitstore provides the SQLite-backed store of documents, pages,
// and evidence units. It is the sole source of truth; both search indices
// are rebuildable caches over it.
package unitstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
)

// IndexQueue receives newly written unit IDs so callers can tell that the
// units are queued for indexing before PutUnits returns.
type IndexQueue interface {
	Enqueue(docID string, ids []unitid.UnitID)
}

// Store implements the unit store on SQLite.
type Store struct {
	db    *sql.DB
	queue IndexQueue
}

// Open opens or creates a SQLite database at dbPath and initializes the
// schema. Parent directories are created if they do not exist.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		failed_stage TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pages (
		doc_id TEXT NOT NULL,
		page_no INTEGER NOT NULL,
		width REAL NOT NULL DEFAULT 0,
		height REAL NOT NULL DEFAULT 0,
		unit_count INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (doc_id, page_no),
		FOREIGN KEY (doc_id) REFERENCES documents(doc_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS units (
		unit_id TEXT NOT NULL UNIQUE,
		doc_id TEXT NOT NULL,
		page_no INTEGER NOT NULL,
		unit_index INTEGER NOT NULL,
		modality TEXT NOT NULL,
		section_path TEXT NOT NULL DEFAULT '[]',
		section_key TEXT NOT NULL DEFAULT '',
		x0 REAL NOT NULL, y0 REAL NOT NULL, x1 REAL NOT NULL, y1 REAL NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (doc_id, page_no, unit_index),
		FOREIGN KEY (doc_id) REFERENCES documents(doc_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_units_doc_section ON units(doc_id, section_key);
	CREATE INDEX IF NOT EXISTS idx_units_doc_page ON units(doc_id, page_no);

	CREATE TABLE IF NOT EXISTS coverage (
		unit_id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		first_cited TIMESTAMP,
		cite_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_coverage_doc ON coverage(doc_id);
	`
	_, err := db.Exec(schema)
	return err
}

// DB exposes the underlying handle for collaborating components that keep
// their own tables in the same database (coverage ledger).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetIndexQueue attaches the queue PutUnits notifies. Must be set before
// ingestion starts.
func (s *Store) SetIndexQueue(q IndexQueue) {
	s.queue = q
}

// CreateDocument inserts a document if it does not exist yet. Existing
// documents are left untouched so incremental re-ingestion cannot reset
// state or timestamps.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}
	if doc.State == "" {
		doc.State = models.StateCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (doc_id, name, page_count, state, failed_stage, last_error, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO NOTHING`,
		doc.DocID, doc.Name, doc.PageCount, doc.State, doc.FailedStage, doc.LastError, doc.IngestedAt,
	)
	return err
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(ctx context.Context, docID string) (*models.Document, error) {
	var doc models.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, name, page_count, state, failed_stage, last_error, ingested_at
		 FROM documents WHERE doc_id = ?`, docID,
	).Scan(&doc.DocID, &doc.Name, &doc.PageCount, &doc.State, &doc.FailedStage, &doc.LastError, &doc.IngestedAt)

	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "document", ID: docID}
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// SetDocumentState transitions a document's lifecycle state. failedStage and
// lastErr are cleared when empty.
func (s *Store) SetDocumentState(ctx context.Context, docID string, state models.DocState, failedStage, lastErr string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET state = ?, failed_stage = ?, last_error = ? WHERE doc_id = ?`,
		state, failedStage, lastErr, docID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Kind: "document", ID: docID}
	}
	return nil
}

// SetPageCount records the document's page count after segmentation.
func (s *Store) SetPageCount(ctx context.Context, docID string, pageCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET page_count = ? WHERE doc_id = ?`, pageCount, docID)
	return err
}

// ListDocuments returns documents ordered by ingestion time, newest first.
func (s *Store) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, name, page_count, state, failed_stage, last_error, ingested_at
		 FROM documents ORDER BY ingested_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.DocID, &doc.Name, &doc.PageCount, &doc.State, &doc.FailedStage, &doc.LastError, &doc.IngestedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// UpsertPage records a page. An existing (doc_id, page_no) row is preserved
// as-is: pages are immutable once written.
func (s *Store) UpsertPage(ctx context.Context, page *models.Page) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (doc_id, page_no, width, height, unit_count, failed)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id, page_no) DO NOTHING`,
		page.DocID, page.PageNo, page.Width, page.Height, page.UnitCount, boolToInt(page.Failed),
	)
	return err
}

// HasPage reports whether (docID, pageNo) has already been ingested.
func (s *Store) HasPage(ctx context.Context, docID string, pageNo int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pages WHERE doc_id = ? AND page_no = ?`, docID, pageNo,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Pages returns all pages of a document ordered by page number.
func (s *Store) Pages(ctx context.Context, docID string) ([]*models.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, page_no, width, height, unit_count, failed
		 FROM pages WHERE doc_id = ? ORDER BY page_no`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*models.Page
	for rows.Next() {
		var p models.Page
		var failed int
		if err := rows.Scan(&p.DocID, &p.PageNo, &p.Width, &p.Height, &p.UnitCount, &failed); err != nil {
			return nil, err
		}
		p.Failed = failed != 0
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// PutUnits writes one page's unit drafts and returns their assigned IDs.
// unit_index is assigned from draft order starting at 0, so identical input
// always yields identical IDs. Rewrites of an existing (doc, page, index)
// are content-idempotent upserts; IDs are never re-pointed to different
// positions. Newly written IDs are enqueued for indexing before returning.
func (s *Store) PutUnits(ctx context.Context, docID string, pageNo int, drafts []models.UnitDraft) ([]unitid.UnitID, error) {
	if pageNo < 1 {
		return nil, &models.ValidationError{DocID: docID, PageNo: pageNo, Reason: "page_no must be 1-based"}
	}
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return nil, &models.ValidationError{DocID: docID, PageNo: pageNo, Reason: fmt.Sprintf("draft %d: %v", i, err)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO units (unit_id, doc_id, page_no, unit_index, modality, section_path, section_key,
		                    x0, y0, x1, y1, content, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id, page_no, unit_index) DO UPDATE SET
		   modality = excluded.modality,
		   section_path = excluded.section_path,
		   section_key = excluded.section_key,
		   x0 = excluded.x0, y0 = excluded.y0, x1 = excluded.x1, y1 = excluded.y1,
		   content = excluded.content,
		   payload = excluded.payload`,
	)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]unitid.UnitID, len(drafts))
	for i, draft := range drafts {
		id := unitid.UnitID{Doc: docID, Page: pageNo, Index: i}
		sectionJSON, err := json.Marshal(sectionOrEmpty(draft.SectionPath))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal section path: %w", err)
		}
		payload, err := marshalPayload(&draft)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx,
			id.String(), docID, pageNo, i, draft.Modality,
			string(sectionJSON), SectionKey(draft.SectionPath),
			draft.BBox.X0, draft.BBox.Y0, draft.BBox.X1, draft.BBox.Y1,
			draft.Content, payload, now,
		); err != nil {
			return nil, err
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if s.queue != nil {
		s.queue.Enqueue(docID, ids)
	}
	return ids, nil
}

// GetUnit returns one evidence unit by ID.
func (s *Store) GetUnit(ctx context.Context, id unitid.UnitID) (*models.EvidenceUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT unit_id, modality, section_path, x0, y0, x1, y1, content, payload, created_at
		 FROM units WHERE doc_id = ? AND page_no = ? AND unit_index = ?`,
		id.Doc, id.Page, id.Index,
	)
	unit, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "unit", ID: id.String()}
	}
	return unit, err
}

// UnitsByDocument returns all units of a document in document order.
// Used for index rebuilds and resume-from-segmented.
func (s *Store) UnitsByDocument(ctx context.Context, docID string) ([]*models.EvidenceUnit, error) {
	return s.queryUnits(ctx,
		`SELECT unit_id, modality, section_path, x0, y0, x1, y1, content, payload, created_at
		 FROM units WHERE doc_id = ? ORDER BY page_no, unit_index`, docID)
}

// UnitsByPage returns all units of one page in document order.
func (s *Store) UnitsByPage(ctx context.Context, docID string, pageNo int) ([]*models.EvidenceUnit, error) {
	return s.queryUnits(ctx,
		`SELECT unit_id, modality, section_path, x0, y0, x1, y1, content, payload, created_at
		 FROM units WHERE doc_id = ? AND page_no = ? ORDER BY unit_index`, docID, pageNo)
}

// UnitsBySection returns the units whose section path starts with prefix,
// in document order. An empty prefix matches all units.
func (s *Store) UnitsBySection(ctx context.Context, docID string, prefix []string) ([]*models.EvidenceUnit, error) {
	if len(prefix) == 0 {
		return s.UnitsByDocument(ctx, docID)
	}
	key := SectionKey(prefix)
	return s.queryUnits(ctx,
		`SELECT unit_id, modality, section_path, x0, y0, x1, y1, content, payload, created_at
		 FROM units WHERE doc_id = ? AND (section_key = ? OR section_key LIKE ?)
		 ORDER BY page_no, unit_index`,
		docID, key, key+sectionSep+"%")
}

// Outline returns the document's section tree, derived from unit section
// paths in document order. Used by brief generation; read-only.
func (s *Store) Outline(ctx context.Context, docID string) ([]*models.SectionNode, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT section_path FROM units WHERE doc_id = ? ORDER BY page_no, unit_index`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []*models.SectionNode
	index := make(map[string]*models.SectionNode)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var path []string
		if err := json.Unmarshal([]byte(raw), &path); err != nil {
			return nil, fmt.Errorf("failed to unmarshal section path: %w", err)
		}
		roots = addSectionPath(roots, index, path)
	}
	return roots, rows.Err()
}

func addSectionPath(roots []*models.SectionNode, index map[string]*models.SectionNode, path []string) []*models.SectionNode {
	var parent *models.SectionNode
	for depth := 1; depth <= len(path); depth++ {
		key := SectionKey(path[:depth])
		node, ok := index[key]
		if !ok {
			node = &models.SectionNode{
				Title: path[depth-1],
				Path:  append([]string(nil), path[:depth]...),
			}
			index[key] = node
			if parent == nil {
				roots = append(roots, node)
			} else {
				parent.Children = append(parent.Children, node)
			}
		}
		parent = node
	}
	return roots
}

// CountDocuments returns the total number of documents.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountUnits returns the total number of evidence units.
func (s *Store) CountUnits(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...interface{}) ([]*models.EvidenceUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*models.EvidenceUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUnit(row rowScanner) (*models.EvidenceUnit, error) {
	var (
		unit        models.EvidenceUnit
		rawID       string
		sectionJSON string
		payload     string
	)
	err := row.Scan(&rawID, &unit.Modality, &sectionJSON,
		&unit.BBox.X0, &unit.BBox.Y0, &unit.BBox.X1, &unit.BBox.Y1,
		&unit.Text, &payload, &unit.CreatedAt)
	if err != nil {
		return nil, err
	}
	unit.ID, err = unitid.Parse(rawID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sectionJSON), &unit.SectionPath); err != nil {
		return nil, fmt.Errorf("failed to unmarshal section path: %w", err)
	}
	if payload != "" {
		switch unit.Modality {
		case models.ModalityTable:
			unit.Table = &models.TablePayload{}
			if err := json.Unmarshal([]byte(payload), unit.Table); err != nil {
				return nil, fmt.Errorf("failed to unmarshal table payload: %w", err)
			}
		case models.ModalityFigure:
			unit.Figure = &models.FigurePayload{}
			if err := json.Unmarshal([]byte(payload), unit.Figure); err != nil {
				return nil, fmt.Errorf("failed to unmarshal figure payload: %w", err)
			}
		}
	}
	return &unit, nil
}

func marshalPayload(draft *models.UnitDraft) (string, error) {
	switch draft.Modality {
	case models.ModalityTable:
		data, err := json.Marshal(draft.Table)
		if err != nil {
			return "", fmt.Errorf("failed to marshal table payload: %w", err)
		}
		return string(data), nil
	case models.ModalityFigure:
		data, err := json.Marshal(draft.Figure)
		if err != nil {
			return "", fmt.Errorf("failed to marshal figure payload: %w", err)
		}
		return string(data), nil
	default:
		return "", nil
	}
}

const sectionSep = " > "

// SectionKey joins a section path into the flat key used for prefix queries.
func SectionKey(path []string) string {
	return strings.Join(path, sectionSep)
}

func sectionOrEmpty(path []string) []string {
	if path == nil {
		return []string{}
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UnitIDStrings renders ids in anchor form.
func UnitIDStrings(ids []unitid.UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
