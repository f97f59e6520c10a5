package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-cache/core"
	"github.com/gigapi/gigapi-cache/settings"
)

// NewFetcher returns the source configured in s: a file when SourceFile is
// set, the HTTP endpoint otherwise.
func NewFetcher(fs afero.Fs, s *settings.Settings) (Fetcher, error) {
	missing, err := ParseMissingPolicy(s.MissingValues)
	if err != nil {
		return nil, err
	}
	if s.SourceFile != "" {
		return &FileFetcher{Fs: fs, Path: s.SourceFile, Missing: missing}, nil
	}
	if s.SourceURL == "" {
		return nil, errors.New("either SOURCE_URL or SOURCE_FILE must be set")
	}
	return NewHTTPFetcher(s.SourceURL, s.SourcePath, s.FetchTimeout, missing), nil
}

// Open builds a cache from settings. A configured schema file is applied
// before Open returns; a failed initial fetch is logged and retried by the
// staleness poll.
func Open(ctx context.Context, s *settings.Settings) (*Cache, error) {
	return OpenFs(ctx, afero.NewOsFs(), s)
}

// OpenFs is Open reading source and schema files from fs.
func OpenFs(ctx context.Context, fs afero.Fs, s *settings.Settings) (*Cache, error) {
	fetcher, err := NewFetcher(fs, s)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, Options{
		Driver:       s.StoreDriver,
		DSN:          s.StoreDSN,
		Fetcher:      fetcher,
		TTL:          s.CacheTTL,
		PollInterval: s.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	if s.SchemaFile == "" {
		return c, nil
	}

	data, err := afero.ReadFile(fs, s.SchemaFile)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	tables, err := ParseSchemaJSON(data)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("invalid schema file %s: %w", s.SchemaFile, err)
	}
	report, err := c.UpdateSchema(ctx, tables)
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		core.Warnf(ctx, "Initial refresh failed, serving empty tables: %v", err)
	case err != nil:
		c.Close()
		return nil, fmt.Errorf("invalid schema file %s: %w", s.SchemaFile, err)
	default:
		core.Infof(ctx, "Loaded schema from %s: %v", s.SchemaFile, report.Recorded)
	}
	return c, nil
}
