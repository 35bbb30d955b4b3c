// Package unitid provides stable identities for documents and evidence units.
package unitid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DocID returns a stable document ID derived from the document name.
// The same name always yields the same ID, so re-ingesting the same source
// addresses the same workspace.
func DocID(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	hash := sha256.Sum256([]byte(normalized))
	return "doc-" + hex.EncodeToString(hash[:8])
}

// UnitID addresses one evidence unit: (doc_id, page_no, unit_index).
// Page is 1-based; Index is 0-based and stable within a page for the
// lifetime of the document.
type UnitID struct {
	Doc   string
	Page  int
	Index int
}

// String renders the persisted anchor form "<doc_id>:<page_no>:<unit_index>".
func (id UnitID) String() string {
	return id.Doc + ":" + strconv.Itoa(id.Page) + ":" + strconv.Itoa(id.Index)
}

// IsZero reports whether id is the zero value.
func (id UnitID) IsZero() bool {
	return id.Doc == "" && id.Page == 0 && id.Index == 0
}

// Parse parses the anchor form back into a UnitID. The doc ID itself may
// contain colons; only the last two segments are numeric.
func Parse(s string) (UnitID, error) {
	last := strings.LastIndexByte(s, ':')
	if last < 0 {
		return UnitID{}, fmt.Errorf("malformed unit id %q", s)
	}
	mid := strings.LastIndexByte(s[:last], ':')
	if mid < 0 {
		return UnitID{}, fmt.Errorf("malformed unit id %q", s)
	}
	page, err := strconv.Atoi(s[mid+1 : last])
	if err != nil {
		return UnitID{}, fmt.Errorf("malformed page in unit id %q: %w", s, err)
	}
	index, err := strconv.Atoi(s[last+1:])
	if err != nil {
		return UnitID{}, fmt.Errorf("malformed index in unit id %q: %w", s, err)
	}
	if s[:mid] == "" || page < 1 || index < 0 {
		return UnitID{}, fmt.Errorf("malformed unit id %q", s)
	}
	return UnitID{Doc: s[:mid], Page: page, Index: index}, nil
}

// MarshalJSON renders the ID in its anchor string form.
func (id UnitID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses the anchor string form.
func (id *UnitID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
