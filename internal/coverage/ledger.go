// Package coverage tracks which evidence units have been cited and computes
// coverage statistics per document.
package coverage

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
	"github.com/hyperjump/shoko/internal/unitstore"
)

const shardCount = 32

// Ledger records citation events. Counts are true call counts, not set
// membership: recording the same unit twice increments by two. Entries are
// append/increment only for the lifetime of the workspace.
type Ledger struct {
	db *sql.DB
	// Per-unit increments are serialized through sharded locks rather than
	// one global mutex, so concurrent retrievals citing different units do
	// not contend.
	shards [shardCount]sync.Mutex
}

// NewLedger creates a ledger over the workspace database. The coverage table
// is part of the unit store schema.
func NewLedger(store *unitstore.Store) *Ledger {
	return &Ledger{db: store.DB()}
}

func (l *Ledger) shard(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &l.shards[h.Sum32()%shardCount]
}

// Record increments the cite count for each unit and sets the first-cited
// timestamp only if unset. Safe under concurrent calls for the same unit.
func (l *Ledger) Record(ctx context.Context, ids []unitid.UnitID) error {
	now := time.Now().UTC()
	for _, id := range ids {
		key := id.String()
		mu := l.shard(key)
		mu.Lock()
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO coverage (unit_id, doc_id, first_cited, cite_count)
			 VALUES (?, ?, ?, 1)
			 ON CONFLICT(unit_id) DO UPDATE SET
			   cite_count = cite_count + 1,
			   first_cited = COALESCE(first_cited, excluded.first_cited)`,
			key, id.Doc, now,
		)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Entry returns the coverage entry for one unit, or nil if it was never cited.
func (l *Ledger) Entry(ctx context.Context, id unitid.UnitID) (*models.CoverageEntry, error) {
	var (
		entry models.CoverageEntry
		first sql.NullTime
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT first_cited, cite_count FROM coverage WHERE unit_id = ?`, id.String(),
	).Scan(&first, &entry.CiteCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.UnitID = id
	if first.Valid {
		entry.FirstCited = first.Time
	}
	return &entry, nil
}

// Report computes coverage statistics for one document. A section counts as
// covered when at least one of its units has a cite count above zero;
// uncited pages are pages with zero cited units.
func (l *Ledger) Report(ctx context.Context, docID string) (*models.CoverageReport, error) {
	report := &models.CoverageReport{DocID: docID, UncitedPages: []int{}}

	var totalSections int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT section_key) FROM units WHERE doc_id = ?`, docID,
	).Scan(&totalSections)
	if err != nil {
		return nil, err
	}

	var coveredSections int
	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT u.section_key)
		 FROM units u
		 JOIN coverage c ON c.unit_id = u.unit_id
		 WHERE u.doc_id = ? AND c.cite_count > 0`, docID,
	).Scan(&coveredSections)
	if err != nil {
		return nil, err
	}
	if totalSections > 0 {
		report.PercentSectionsCovered = 100.0 * float64(coveredSections) / float64(totalSections)
	}

	err = l.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN u.modality = 'table' THEN 1 END),
		   COUNT(CASE WHEN u.modality = 'figure' THEN 1 END)
		 FROM units u
		 JOIN coverage c ON c.unit_id = u.unit_id
		 WHERE u.doc_id = ? AND c.cite_count > 0`, docID,
	).Scan(&report.TablesCited, &report.FiguresCited)
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT p.page_no FROM pages p
		 WHERE p.doc_id = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM units u
		     JOIN coverage c ON c.unit_id = u.unit_id
		     WHERE u.doc_id = p.doc_id AND u.page_no = p.page_no AND c.cite_count > 0
		   )
		 ORDER BY p.page_no`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pageNo int
		if err := rows.Scan(&pageNo); err != nil {
			return nil, err
		}
		report.UncitedPages = append(report.UncitedPages, pageNo)
	}
	return report, rows.Err()
}
