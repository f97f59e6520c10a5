package cache

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/buger/jsonparser"
)

// TableDefinition is one cached table. The first column is the primary key.
type TableDefinition struct {
	Name    string
	Columns []string
}

// PrimaryKey returns the first column.
func (t TableDefinition) PrimaryKey() string {
	if len(t.Columns) == 0 {
		return ""
	}
	return t.Columns[0]
}

func (t TableDefinition) hasColumn(name string) bool {
	return slices.Contains(t.Columns, name)
}

// Schema is an ordered, validated set of table definitions. Table order drives
// join precedence and output ordering. A Schema is immutable once built.
type Schema struct {
	tables []TableDefinition
	index  map[string]int
}

// NewSchema validates tables and returns the schema. Every problem is
// reported in a single *SchemaValidationError.
func NewSchema(tables ...TableDefinition) (*Schema, error) {
	var problems []error
	s := &Schema{index: make(map[string]int, len(tables))}

	for _, t := range tables {
		if _, err := SanitizeIdentifier(t.Name); err != nil {
			problems = append(problems, err)
		}
		if _, dup := s.index[t.Name]; dup {
			problems = append(problems, fmt.Errorf("duplicate table %q", t.Name))
			continue
		}
		if len(t.Columns) == 0 {
			problems = append(problems, fmt.Errorf("table %q has no columns", t.Name))
		}
		seen := make(map[string]struct{}, len(t.Columns))
		for _, c := range t.Columns {
			if _, err := SanitizeIdentifier(c); err != nil {
				problems = append(problems, err)
				continue
			}
			if _, dup := seen[c]; dup {
				problems = append(problems, fmt.Errorf("duplicate column %q in table %q", c, t.Name))
				continue
			}
			seen[c] = struct{}{}
		}
		s.index[t.Name] = len(s.tables)
		s.tables = append(s.tables, TableDefinition{Name: t.Name, Columns: slices.Clone(t.Columns)})
	}

	if len(problems) > 0 {
		return nil, &SchemaValidationError{Problems: problems}
	}
	return s, nil
}

// Tables returns a copy of the table definitions in schema order.
func (s *Schema) Tables() []TableDefinition {
	if s == nil {
		return nil
	}
	res := make([]TableDefinition, len(s.tables))
	for i, t := range s.tables {
		res[i] = TableDefinition{Name: t.Name, Columns: slices.Clone(t.Columns)}
	}
	return res
}

// Table looks a definition up by name.
func (s *Schema) Table(name string) (TableDefinition, bool) {
	if s == nil {
		return TableDefinition{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return TableDefinition{}, false
	}
	return s.tables[i], true
}

// Names returns the table names in schema order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	res := make([]string, len(s.tables))
	for i, t := range s.tables {
		res[i] = t.Name
	}
	return res
}

func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tables)
}

// Equal reports whether both schemas hold the same tables in the same order.
func (s *Schema) Equal(o *Schema) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := 0; i < s.Len(); i++ {
		a, b := s.tables[i], o.tables[i]
		if a.Name != b.Name || !slices.Equal(a.Columns, b.Columns) {
			return false
		}
	}
	return true
}

// String renders one "<table>: [c1, c2]" line per table.
func (s *Schema) String() string {
	lines := make([]string, 0, s.Len())
	for _, t := range s.Tables() {
		lines = append(lines, fmt.Sprintf("%s: [%s]", t.Name, strings.Join(t.Columns, ", ")))
	}
	return strings.Join(lines, "\n")
}

// ParseSchemaJSON decodes a {"table": ["pk", "col", ...], ...} payload keeping
// the key order of the document. Identifiers are not validated here; pass the
// result to NewSchema or SchemaStore.ApplySchema.
func ParseSchemaJSON(data []byte) ([]TableDefinition, error) {
	_, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("invalid schema payload: %w", err)
	}
	if typ != jsonparser.Object {
		return nil, errors.New("schema must be a JSON object of table name to column list")
	}

	var tables []TableDefinition
	var problems []error
	err = jsonparser.ObjectEach(data, func(key []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
		name, err := jsonparser.ParseString(key)
		if err != nil {
			return fmt.Errorf("invalid table name: %w", err)
		}
		if dataType != jsonparser.Array {
			problems = append(problems, fmt.Errorf("columns for table %q must be a list", name))
			return nil
		}
		def := TableDefinition{Name: name}
		var colErr error
		_, err = jsonparser.ArrayEach(value, func(col []byte, colType jsonparser.ValueType, _ int, _ error) {
			if colErr != nil {
				return
			}
			if colType != jsonparser.String {
				colErr = fmt.Errorf("column names for table %q must be strings", name)
				return
			}
			c, err := jsonparser.ParseString(col)
			if err != nil {
				colErr = fmt.Errorf("invalid column name in table %q: %w", name, err)
				return
			}
			def.Columns = append(def.Columns, c)
		})
		if err != nil {
			return fmt.Errorf("invalid columns for table %q: %w", name, err)
		}
		if colErr != nil {
			problems = append(problems, colErr)
			return nil
		}
		tables = append(tables, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schema payload: %w", err)
	}
	if len(problems) > 0 {
		return nil, &SchemaValidationError{Problems: problems}
	}
	return tables, nil
}
