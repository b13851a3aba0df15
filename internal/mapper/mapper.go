// Package mapper turns raw source rows into target-field records.
package mapper

import (
	"fmt"
	"strings"

	"bulk-transfer-engine/internal/models"
)

// Row is one source row keyed by column name.
type Row map[string]string

// Mapper applies an ordered source-column to target-field mapping.
type Mapper struct {
	mapping []models.FieldMap
}

// New validates mapping and builds a Mapper. Blank names and duplicate targets
// are rejected; the same source column may feed several targets.
func New(mapping []models.FieldMap) (*Mapper, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("%w: field mapping is empty", models.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(mapping))
	clean := make([]models.FieldMap, 0, len(mapping))
	for i, fm := range mapping {
		src := CleanColumn(fm.Source)
		dst := strings.TrimSpace(fm.Target)
		if src == "" || dst == "" {
			return nil, fmt.Errorf("%w: field mapping entry %d has a blank name", models.ErrInvalidRequest, i)
		}
		if _, dup := seen[dst]; dup {
			return nil, fmt.Errorf("%w: target field %q mapped twice", models.ErrInvalidRequest, dst)
		}
		seen[dst] = struct{}{}
		clean = append(clean, models.FieldMap{Source: src, Target: dst})
	}
	return &Mapper{mapping: clean}, nil
}

// Identity maps every column onto a field of the same name.
func Identity(columns []string) []models.FieldMap {
	out := make([]models.FieldMap, 0, len(columns))
	for _, c := range columns {
		out = append(out, models.FieldMap{Source: c, Target: c})
	}
	return out
}

// Apply maps row into a record holding only mapped fields. Columns missing
// from the row are left out of the record; values are not coerced.
func (m *Mapper) Apply(row Row) models.Record {
	out := make(models.Record, len(m.mapping))
	for _, fm := range m.mapping {
		if v, ok := row[fm.Source]; ok {
			out[fm.Target] = v
		}
	}
	return out
}

// Sources lists the mapped source columns in mapping order.
func (m *Mapper) Sources() []string {
	out := make([]string, 0, len(m.mapping))
	for _, fm := range m.mapping {
		out = append(out, fm.Source)
	}
	return out
}

// Missing returns the mapped source columns absent from header.
func (m *Mapper) Missing(header []string) []string {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[CleanColumn(h)] = struct{}{}
	}
	var missing []string
	for _, src := range m.Sources() {
		if _, ok := have[src]; !ok {
			missing = append(missing, src)
		}
	}
	return missing
}

// CleanColumn normalizes a header cell: strips a UTF-8 BOM, surrounding
// whitespace and a leading '=' left by spreadsheet formula exports.
func CleanColumn(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "=")
	return strings.Trim(s, "\"")
}
