package cache

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "users"},
		{name: "underscore prefix", input: "_tmp"},
		{name: "mixed case and digits", input: "Post2User"},
		{name: "max length", input: strings.Repeat("a", MaxIdentifierLen)},
		{name: "empty", input: "", wantErr: true},
		{name: "statement separator", input: "users;drop", wantErr: true},
		{name: "leading digit", input: "1col", wantErr: true},
		{name: "space", input: "user name", wantErr: true},
		{name: "quote", input: `a"b`, wantErr: true},
		{name: "comment", input: "a--b", wantErr: true},
		{name: "unicode", input: "naïve", wantErr: true},
		{name: "too long", input: strings.Repeat("a", MaxIdentifierLen+1), wantErr: true},
		{name: "reserved", input: "select", wantErr: true},
		{name: "reserved any case", input: "Table", wantErr: true},
		{name: "rowid", input: "ROWID", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidIdentifier))
				var ie *InvalidIdentifierError
				assert.True(t, errors.As(err, &ie))
				assert.Equal(t, tt.input, ie.Identifier)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"users"`, quoteIdent("users"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}
