package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-cache/core"
)

// MissingPolicy decides what happens to a row lacking a non-key column.
type MissingPolicy string

const (
	MissingNull  MissingPolicy = "null"
	MissingSkip  MissingPolicy = "skip"
	MissingError MissingPolicy = "error"
)

// ParseMissingPolicy maps a configuration value to a policy.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch p := MissingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MissingNull, nil
	case MissingNull, MissingSkip, MissingError:
		return p, nil
	}
	return "", fmt.Errorf("unknown missing value policy %q", s)
}

// Batch holds the fetched rows of one table, keyed and deduplicated by the
// primary key, in source order.
type Batch struct {
	Table   string
	Columns []string
	Rows    [][]sql.NullString
	Skipped int
	keys    map[string]struct{}
}

func (b *Batch) add(row []sql.NullString) {
	pk := row[0].String
	if _, dup := b.keys[pk]; dup {
		return
	}
	b.keys[pk] = struct{}{}
	b.Rows = append(b.Rows, row)
}

// Batches is the decoded payload for every table of a schema.
type Batches struct {
	order   []string
	byTable map[string]*Batch
}

// NewBatches returns empty batches for every table of s.
func NewBatches(s *Schema) *Batches {
	b := &Batches{byTable: make(map[string]*Batch, s.Len())}
	for _, t := range s.Tables() {
		b.order = append(b.order, t.Name)
		b.byTable[t.Name] = &Batch{Table: t.Name, Columns: t.Columns, keys: make(map[string]struct{})}
	}
	return b
}

// Batch returns the rows for table, or nil.
func (b *Batches) Batch(table string) *Batch {
	if b == nil {
		return nil
	}
	return b.byTable[table]
}

// Skipped returns the number of rows dropped per table.
func (b *Batches) Skipped() map[string]int {
	res := make(map[string]int, len(b.order))
	for _, t := range b.order {
		res[t] = b.byTable[t].Skipped
	}
	return res
}

// Fetcher retrieves the source payload for a schema.
type Fetcher interface {
	Fetch(ctx context.Context, s *Schema) (*Batches, error)
}

// HTTPFetcher issues a single GET against BaseURL + Path.
type HTTPFetcher struct {
	BaseURL string
	Path    string
	Client  *http.Client
	Missing MissingPolicy
}

// NewHTTPFetcher builds a fetcher for host (scheme optional, http assumed)
// and path with the given request timeout.
func NewHTTPFetcher(host, path string, timeout time.Duration, missing MissingPolicy) *HTTPFetcher {
	if host != "" && !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &HTTPFetcher{
		BaseURL: host,
		Path:    path,
		Client:  &http.Client{Timeout: timeout},
		Missing: missing,
	}
}

func (f *HTTPFetcher) endpoint() (string, error) {
	base, err := url.Parse(f.BaseURL)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("invalid source url %q", f.BaseURL)
	}
	ref, err := url.Parse(f.Path)
	if err != nil {
		return "", fmt.Errorf("invalid source path %q: %w", f.Path, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, s *Schema) (*Batches, error) {
	endpoint, err := f.endpoint()
	if err != nil {
		return nil, &FetchError{Status: http.StatusInternalServerError, Reason: "Remote Source Error", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Status: http.StatusInternalServerError, Reason: "Remote Source Error", Err: err}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := "Remote Response Error"
		if resp.StatusCode == http.StatusNotFound {
			reason = "Id not found"
		}
		return nil, &FetchError{Status: resp.StatusCode, Reason: reason, Err: errors.New(resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	core.Debugf(ctx, "Fetched %d bytes from %s in: %v", len(body), endpoint, time.Since(start))

	return DecodePayload(ctx, body, s, f.Missing)
}

func transportError(err error) *FetchError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &FetchError{Status: http.StatusRequestTimeout, Reason: "Remote Source Request timed out", Err: err}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return &FetchError{Status: http.StatusInternalServerError, Reason: "Connect to Remote Source error", Err: err}
	}
	return &FetchError{Status: http.StatusInternalServerError, Reason: "Remote Source Error", Err: err}
}

// FileFetcher reads the payload from a file, which is handy for fixtures and
// for sources that drop exports on disk.
type FileFetcher struct {
	Fs      afero.Fs
	Path    string
	Missing MissingPolicy
}

func (f *FileFetcher) Fetch(ctx context.Context, s *Schema) (*Batches, error) {
	fs := f.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, f.Path)
	if err != nil {
		return nil, &FetchError{Status: http.StatusInternalServerError, Reason: "Source file error", Err: err}
	}
	return DecodePayload(ctx, data, s, f.Missing)
}

// DecodePayload splits a source document into per-table batches. Accepted
// shapes are an array of flat row objects, each contributing to every table,
// or an object mapping table names to arrays of row objects.
func DecodePayload(ctx context.Context, data []byte, s *Schema, missing MissingPolicy) (*Batches, error) {
	if missing == "" {
		missing = MissingNull
	}
	batches := NewBatches(s)

	_, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, &FetchError{Status: http.StatusInternalServerError, Reason: "Wrong Remote Source Response", Err: err}
	}

	switch typ {
	case jsonparser.Array:
		err = eachRow(data, func(row map[string]value) error {
			for _, t := range s.Tables() {
				if err := batches.addRow(t, row, missing); err != nil {
					return err
				}
			}
			return nil
		})
	case jsonparser.Object:
		err = jsonparser.ObjectEach(data, func(key []byte, rows []byte, dt jsonparser.ValueType, _ int) error {
			name, err := jsonparser.ParseString(key)
			if err != nil {
				return err
			}
			t, ok := s.Table(name)
			if !ok {
				return nil
			}
			if dt != jsonparser.Array {
				return fmt.Errorf("rows for table %q must be a list", name)
			}
			return eachRow(rows, func(row map[string]value) error {
				return batches.addRow(t, row, missing)
			})
		})
	default:
		err = errors.New("payload must be a JSON array or object")
	}
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{Status: http.StatusInternalServerError, Reason: "Wrong Remote Source Response", Err: err}
	}

	for table, n := range batches.Skipped() {
		if n > 0 {
			core.Warnf(ctx, "Skipped %d rows for table %s", n, table)
		}
	}
	return batches, nil
}

type value struct {
	raw []byte
	typ jsonparser.ValueType
}

func (v value) text() (sql.NullString, error) {
	switch v.typ {
	case jsonparser.Null, jsonparser.NotExist:
		return sql.NullString{}, nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(v.raw)
		if err != nil {
			return sql.NullString{}, err
		}
		return sql.NullString{String: s, Valid: true}, nil
	default:
		return sql.NullString{String: string(v.raw), Valid: true}, nil
	}
}

func eachRow(data []byte, fn func(row map[string]value) error) error {
	var rowErr error
	_, err := jsonparser.ArrayEach(data, func(item []byte, dt jsonparser.ValueType, _ int, _ error) {
		if rowErr != nil {
			return
		}
		if dt != jsonparser.Object {
			rowErr = errors.New("rows must be JSON objects")
			return
		}
		row := make(map[string]value)
		rowErr = jsonparser.ObjectEach(item, func(key []byte, raw []byte, vt jsonparser.ValueType, _ int) error {
			name, err := jsonparser.ParseString(key)
			if err != nil {
				return err
			}
			row[name] = value{raw: raw, typ: vt}
			return nil
		})
		if rowErr == nil {
			rowErr = fn(row)
		}
	})
	if err != nil {
		return err
	}
	return rowErr
}

func (b *Batches) addRow(t TableDefinition, row map[string]value, missing MissingPolicy) error {
	batch := b.byTable[t.Name]
	vals := make([]sql.NullString, len(t.Columns))
	key, err := row[t.Columns[0]].text()
	if err != nil {
		return fmt.Errorf("column %q of table %q: %w", t.Columns[0], t.Name, err)
	}
	if !key.Valid {
		batch.Skipped++
		return nil
	}
	vals[0] = key
	for i := 1; i < len(t.Columns); i++ {
		col := t.Columns[i]
		v, ok := row[col]
		if !ok {
			switch missing {
			case MissingSkip:
				batch.Skipped++
				return nil
			case MissingError:
				return &FetchError{
					Status: http.StatusUnprocessableEntity,
					Reason: "Wrong Remote Source Response",
					Err:    fmt.Errorf("row for table %q is missing column %q", t.Name, col),
				}
			}
		}
		text, err := v.text()
		if err != nil {
			return fmt.Errorf("column %q of table %q: %w", col, t.Name, err)
		}
		vals[i] = text
	}
	batch.add(vals)
	return nil
}
