package cache

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Record is one row of the unified projection. Field order follows the
// projection.
type Record struct {
	columns []string
	values  []sql.NullString
}

// Get returns the value of field; ok is false for unknown fields and NULLs.
func (r Record) Get(field string) (string, bool) {
	for i, c := range r.columns {
		if c == field {
			return r.values[i].String, r.values[i].Valid
		}
	}
	return "", false
}

// Fields returns the field names in projection order.
func (r Record) Fields() []string {
	return r.columns
}

// Map converts the record to a map, NULLs become nil.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		if r.values[i].Valid {
			m[c] = r.values[i].String
		} else {
			m[c] = nil
		}
	}
	return m
}

// Values returns the raw values in projection order.
func (r Record) Values() []sql.NullString {
	return r.values
}

// MarshalJSON writes the record as an object keeping projection order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if !r.values[i].Valid {
			buf.WriteString("null")
			continue
		}
		val, err := json.Marshal(r.values[i].String)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Result is the answer to a read: the projection and the matching rows,
// all taken from one snapshot generation.
type Result struct {
	Generation uint64
	Columns    []string
	Records    []Record
}

// MarshalJSON writes the records as a JSON array.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r == nil || len(r.Records) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Records)
}

// UpdateReport describes the schema and row counts after a refresh.
type UpdateReport struct {
	Schema   *Schema
	Recorded map[string]int
	Skipped  map[string]int
}

func newUpdateReport(snap *Snapshot) *UpdateReport {
	return &UpdateReport{Schema: snap.Schema, Recorded: snap.RowCounts, Skipped: snap.Skipped}
}

// String renders the plain text report returned by the update endpoint.
func (u *UpdateReport) String() string {
	var sb strings.Builder
	sb.WriteString("OK\n\nDB configuration:\n")
	sb.WriteString(u.Schema.String())
	sb.WriteString("\n\nRecorded:\n")
	lines := make([]string, 0, u.Schema.Len())
	for _, name := range u.Schema.Names() {
		lines = append(lines, fmt.Sprintf("%s: %d", name, u.Recorded[name]))
	}
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}
