package querier

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-cache/cache"
)

const sourcePayload = `[
	{"user_id": 1, "username": "testuser", "email": "t@x.com", "post_id": 101, "title": "Test Post", "body": "body text"},
	{"user_id": 2, "username": "other", "email": "o@x.com", "post_id": 102, "title": "50% off", "body": "sale"}
]`

const usersPostsSchema = `{"users": ["user_id", "username", "email"], "posts": ["post_id", "title", "body", "user_id"]}`

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/source.json", []byte(sourcePayload), 0o644))

	c, err := cache.New(context.Background(), cache.Options{
		Driver:  cache.DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "cache.db"),
		Fetcher: &cache.FileFetcher{Fs: fs, Path: "/source.json"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestServer(t *testing.T, loaded bool) (*cache.Cache, *httptest.Server) {
	t.Helper()
	c := newTestCache(t)
	if loaded {
		tables, err := cache.ParseSchemaJSON([]byte(usersPostsSchema))
		require.NoError(t, err)
		_, err = c.UpdateSchema(context.Background(), tables)
		require.NoError(t, err)
	}
	srv := httptest.NewServer(NewServer(c).Routes())
	t.Cleanup(srv.Close)
	return c, srv
}

func doRequest(t *testing.T, req *http.Request) (int, string, http.Header) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb bytes.Buffer
	_, err = sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, sb.String(), resp.Header
}

func get(t *testing.T, u string) (int, string, http.Header) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	return doRequest(t, req)
}

func TestHandleHealth(t *testing.T) {
	_, srv := newTestServer(t, false)
	status, body, _ := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HEALTHY", body)
}

func TestHandleUpdate(t *testing.T) {
	c, srv := newTestServer(t, false)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/update", strings.NewReader(usersPostsSchema))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	status, body, _ := doRequest(t, req)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "OK\n\nDB configuration:\n"+
		"users: [user_id, username, email]\n"+
		"posts: [post_id, title, body, user_id]\n\n"+
		"Recorded:\nusers: 2\nposts: 2", body)
	assert.Equal(t, []string{"users", "posts"}, c.Schema().Names())

	status, body, _ = get(t, srv.URL+"/update")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(body, "OK\n\nDB configuration:\nusers:"))
}

func TestHandleUpdateRejects(t *testing.T) {
	c, srv := newTestServer(t, true)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{users`},
		{name: "bad identifier", body: `{"users; drop table x": ["id"]}`},
		{name: "reserved column", body: `{"users": ["select"]}`},
		{name: "ambiguous", body: `{"a": ["id"], "b": ["id"], "c": ["c_id", "id"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/update", strings.NewReader(tt.body))
			require.NoError(t, err)
			status, _, _ := doRequest(t, req)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, []string{"users", "posts"}, c.Schema().Names())
		})
	}
}

func TestHandleRows(t *testing.T) {
	_, srv := newTestServer(t, true)

	status, body, header := get(t, srv.URL+"/")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.JSONEq(t, `[
		{"user_id":"1","username":"testuser","email":"t@x.com","post_id":"101","title":"Test Post","body":"body text","posts_user_id":"1"},
		{"user_id":"2","username":"other","email":"o@x.com","post_id":"102","title":"50% off","body":"sale","posts_user_id":"2"}
	]`, body)
	assert.True(t, strings.HasPrefix(body, `[{"user_id":"1","username":"testuser"`))

	status, body, header = get(t, srv.URL+"/?format=ndjson")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/x-ndjson", header.Get("Content-Type"))
	assert.Len(t, strings.Split(strings.TrimSpace(body), "\n"), 2)

	status, _, _ = get(t, srv.URL+"/?format=xml")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandleRowsEmpty(t *testing.T) {
	_, srv := newTestServer(t, false)
	status, body, _ := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", strings.TrimSpace(body))
}

func TestHandleSearch(t *testing.T) {
	_, srv := newTestServer(t, true)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "title", path: "/" + url.PathEscape("Test Post"), want: 1},
		{name: "case insensitive", path: "/TESTUSER", want: 1},
		{name: "percent is literal", path: "/" + url.PathEscape("50%"), want: 1},
		{name: "underscore is literal", path: "/est_post", want: 0},
		{name: "space", path: "/est%20post", want: 1},
		{name: "miss", path: "/nope", want: 0},
		{name: "injection text", path: "/" + url.PathEscape("' OR 1=1 --"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, _ := get(t, srv.URL+tt.path)
			require.Equal(t, http.StatusOK, status, body)
			if tt.want == 0 {
				assert.Equal(t, "[]", strings.TrimSpace(body))
				return
			}
			assert.Equal(t, tt.want, strings.Count(body, `"user_id"`))
		})
	}
}

func TestHandleFilter(t *testing.T) {
	_, srv := newTestServer(t, true)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantRows    int
	}{
		{
			name:        "form filter and search",
			contentType: "application/x-www-form-urlencoded",
			body:        url.Values{"username": {"testuser"}, "searchstring": {"test"}}.Encode(),
			wantStatus:  http.StatusOK,
			wantRows:    1,
		},
		{
			name:        "form filter miss",
			contentType: "application/x-www-form-urlencoded",
			body:        url.Values{"username": {"nobody"}}.Encode(),
			wantStatus:  http.StatusOK,
		},
		{
			name:        "json filter",
			contentType: "application/json",
			body:        `{"posts_user_id": 2}`,
			wantStatus:  http.StatusOK,
			wantRows:    1,
		},
		{
			name:        "search only",
			contentType: "application/json",
			body:        `{"searchstring": "x.com"}`,
			wantStatus:  http.StatusOK,
			wantRows:    2,
		},
		{
			name:        "unknown field",
			contentType: "application/x-www-form-urlencoded",
			body:        url.Values{"nope": {"1"}}.Encode(),
			wantStatus:  http.StatusNotFound,
		},
		{
			name:        "invalid field",
			contentType: "application/x-www-form-urlencoded",
			body:        url.Values{"username = username OR 1": {"1"}}.Encode(),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "nested json",
			contentType: "application/json",
			body:        `{"username": {"$ne": 1}}`,
			wantStatus:  http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(tt.body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", tt.contentType)
			status, body, _ := doRequest(t, req)
			require.Equal(t, tt.wantStatus, status, body)
			if status == http.StatusOK {
				assert.Equal(t, tt.wantRows, strings.Count(body, `"username"`))
			}
		})
	}
}

func TestHandleRefreshFetchError(t *testing.T) {
	c, err := cache.New(context.Background(), cache.Options{
		Driver:  cache.DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "cache.db"),
		Fetcher: &cache.FileFetcher{Fs: afero.NewMemMapFs(), Path: "/missing.json"},
	})
	require.NoError(t, err)
	defer c.Close()
	srv := httptest.NewServer(NewServer(c).Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/update", strings.NewReader(usersPostsSchema))
	require.NoError(t, err)
	status, body, _ := doRequest(t, req)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, "Source file error")
}

func TestCORS(t *testing.T) {
	_, srv := newTestServer(t, false)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	_, _, header := doRequest(t, req)
	assert.Equal(t, "*", header.Get("Access-Control-Allow-Origin"))
}

func TestRefreshLimit(t *testing.T) {
	c := newTestCache(t)
	srv := httptest.NewServer(NewServer(c).WithRefreshLimit(2).Routes())
	defer srv.Close()

	var codes []int
	for i := 0; i < 3; i++ {
		status, _, _ := get(t, srv.URL+"/update")
		codes = append(codes, status)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	status, _, _ := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
}
