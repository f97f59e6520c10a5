package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLen bounds table, column and filter field names.
const MaxIdentifierLen = 128

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedWords holds keywords shared by the DuckDB and SQLite dialects plus
// the row id pseudo columns the store orders by.
var reservedWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		all alter and as asc between by case cast check collate column constraint
		create cross default delete desc distinct drop else end escape except exists
		false foreign from full group having in index inner insert intersect into is
		join key left like limit natural not null offset on or order outer primary
		references right select set table then to true union unique update using
		values when where with
		rowid oid _rowid_`) {
		reservedWords[w] = struct{}{}
	}
}

// SanitizeIdentifier returns name unchanged when it is safe to use as a SQL
// identifier and an *InvalidIdentifierError otherwise.
func SanitizeIdentifier(name string) (string, error) {
	if name == "" {
		return "", &InvalidIdentifierError{Identifier: name, Reason: "name is required"}
	}
	if len(name) > MaxIdentifierLen {
		return "", &InvalidIdentifierError{
			Identifier: name,
			Reason:     fmt.Sprintf("name must be at most %d characters", MaxIdentifierLen),
		}
	}
	if !identifierRe.MatchString(name) {
		return "", &InvalidIdentifierError{Identifier: name, Reason: "name must match [A-Za-z_][A-Za-z0-9_]*"}
	}
	if _, ok := reservedWords[strings.ToLower(name)]; ok {
		return "", &InvalidIdentifierError{Identifier: name, Reason: "name is a reserved word"}
	}
	return name, nil
}

// quoteIdent wraps an identifier in double quotes. Callers sanitize first;
// quoting only keeps mixed case intact.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
