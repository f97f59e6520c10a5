package cache

import (
	"sort"
	"strings"
)

// Query selects rows of the unified projection. Filters are exact string
// matches on projection fields; Search is a case-insensitive substring matched
// against every field. Both must hold.
type Query struct {
	Filters map[string]string
	Search  string
}

// Filter returns a query with exact-match filters only.
func Filter(fields map[string]string) Query {
	return Query{Filters: fields}
}

// Search returns a query with a free text predicate only.
func Search(text string) Query {
	return Query{Search: text}
}

// validate resolves every filter field against the projection and returns
// them sorted so generated SQL is stable.
func (p *Plan) validate(q Query) ([]Column, error) {
	fields := make([]string, 0, len(q.Filters))
	for f := range q.Filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	cols := make([]Column, 0, len(fields))
	for _, f := range fields {
		if _, err := SanitizeIdentifier(f); err != nil {
			return nil, err
		}
		c, ok := p.Column(f)
		if !ok {
			return nil, &UnknownFieldError{Field: f}
		}
		cols = append(cols, c)
	}
	return cols, nil
}

// Select builds the parameterized statement for q over the physical tables.
// Identifiers in the statement come only from the validated schema; every
// user supplied value is a bound argument. lower names the SQL function that
// folds case the way strings.ToLower does; empty means LOWER.
func (p *Plan) Select(physical map[string]string, q Query, lower string) (string, []any, error) {
	filters, err := p.validate(q)
	if err != nil {
		return "", nil, err
	}
	from, err := p.from(physical)
	if err != nil {
		return "", nil, err
	}

	selects := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		selects[i] = c.source + " AS " + quoteIdent(c.Alias)
	}

	var where []string
	var args []any
	for _, c := range filters {
		where = append(where, c.source+" = ?")
		args = append(args, q.Filters[c.Alias])
	}
	if q.Search != "" {
		if lower == "" {
			lower = "LOWER"
		}
		pattern := "%" + escapeLike(strings.ToLower(q.Search)) + "%"
		ors := make([]string, len(p.Columns))
		for i, c := range p.Columns {
			ors[i] = lower + "(" + c.source + `) LIKE ? ESCAPE '\'`
			args = append(args, pattern)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	order := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		order[i] = step.Alias + ".rowid"
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString(" ")
	sb.WriteString(from)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(order, ", "))
	return sb.String(), args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
