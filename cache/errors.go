package cache

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrSchemaValidation  = errors.New("schema validation failed")
	ErrAmbiguousJoin     = errors.New("ambiguous join")
	ErrFetch             = errors.New("fetch failed")
	ErrUnknownField      = errors.New("unknown field")
)

// InvalidIdentifierError reports a table, column or field name rejected by
// SanitizeIdentifier.
type InvalidIdentifierError struct {
	Identifier string
	Reason     string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q: %s", e.Identifier, e.Reason)
}

func (e *InvalidIdentifierError) Unwrap() error { return ErrInvalidIdentifier }

// SchemaValidationError lists every problem found in a schema payload.
type SchemaValidationError struct {
	Problems []error
}

func (e *SchemaValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

func (e *SchemaValidationError) Unwrap() []error {
	return append([]error{ErrSchemaValidation}, e.Problems...)
}

// InvalidIdentifiers returns the rejected identifiers in payload order.
func (e *SchemaValidationError) InvalidIdentifiers() []string {
	var res []string
	for _, p := range e.Problems {
		var ie *InvalidIdentifierError
		if errors.As(p, &ie) {
			res = append(res, ie.Identifier)
		}
	}
	return res
}

// AmbiguousJoinError is returned when a column names the primary key of more
// than one other table.
type AmbiguousJoinError struct {
	Table      string
	Column     string
	Candidates []string
}

func (e *AmbiguousJoinError) Error() string {
	return fmt.Sprintf("ambiguous join: %s.%s matches the primary key of tables %s",
		e.Table, e.Column, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousJoinError) Unwrap() error { return ErrAmbiguousJoin }

// FetchError describes a failure to obtain or decode the source payload.
// Status is the HTTP status the failure maps to.
type FetchError struct {
	Status int
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FetchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFetch, e.Err}
	}
	return []error{ErrFetch}
}

// StatusCode returns Status, defaulting to 500.
func (e *FetchError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// UnknownFieldError is returned for a filter on a column that is not part of
// the unified projection.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Field)
}

func (e *UnknownFieldError) Unwrap() error { return ErrUnknownField }
