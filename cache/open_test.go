package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-cache/settings"
)

func testSettings(t *testing.T) *settings.Settings {
	return &settings.Settings{
		SourceFile:   "/data/source.json",
		SchemaFile:   "/etc/cache/schema.json",
		CacheTTL:     time.Hour,
		FetchTimeout: time.Second,
		StoreDriver:  DriverSQLite,
		StoreDSN:     filepath.Join(t.TempDir(), "cache.db"),
	}
}

func TestOpenFsPreloadsSchema(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/source.json", []byte(usersPostsPayload), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/cache/schema.json",
		[]byte(`{"users": ["user_id", "username", "email"], "posts": ["post_id", "title", "body", "user_id"]}`), 0o644))

	c, err := OpenFs(context.Background(), fs, testSettings(t))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"users", "posts"}, c.Schema().Names())
	res, err := c.Search(context.Background(), "Test Post")
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}

func TestOpenFsSourceUnavailable(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/cache/schema.json", []byte(`{"users": ["user_id"]}`), 0o644))

	c, err := OpenFs(context.Background(), fs, testSettings(t))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"users"}, c.Schema().Names())
	res, err := c.Rows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestOpenFsErrors(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		modify func(s *settings.Settings)
	}{
		{name: "invalid schema", schema: `{"users;": ["id"]}`},
		{name: "missing schema file", modify: func(s *settings.Settings) { s.SchemaFile = "/nope.json" }},
		{name: "no source", schema: `{}`, modify: func(s *settings.Settings) { s.SourceFile = "" }},
		{name: "bad missing policy", schema: `{}`, modify: func(s *settings.Settings) { s.MissingValues = "drop" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.schema != "" {
				require.NoError(t, afero.WriteFile(fs, "/etc/cache/schema.json", []byte(tt.schema), 0o644))
			}
			s := testSettings(t)
			if tt.modify != nil {
				tt.modify(s)
			}
			_, err := OpenFs(context.Background(), fs, s)
			assert.Error(t, err)
		})
	}
}

func TestNewFetcher(t *testing.T) {
	f, err := NewFetcher(afero.NewMemMapFs(), &settings.Settings{
		SourceURL:    "source.local:9000",
		SourcePath:   "/export",
		FetchTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	hf, ok := f.(*HTTPFetcher)
	require.True(t, ok)
	assert.Equal(t, "http://source.local:9000", hf.BaseURL)
	assert.Equal(t, 30*time.Second, hf.Client.Timeout)
	assert.Equal(t, MissingNull, hf.Missing)
}
