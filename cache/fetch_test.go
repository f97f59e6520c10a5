package cache

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func TestDecodePayloadByTable(t *testing.T) {
	b, err := DecodePayload(context.Background(), []byte(usersPostsPayload), usersPosts(t), MissingNull)
	require.NoError(t, err)

	users := b.Batch("users")
	require.NotNil(t, users)
	assert.Equal(t, [][]sql.NullString{{text("1"), text("testuser"), text("t@x.com")}}, users.Rows)

	posts := b.Batch("posts")
	require.NotNil(t, posts)
	assert.Equal(t, [][]sql.NullString{{text("101"), text("Test Post"), text("body text"), text("1")}}, posts.Rows)
	assert.Equal(t, map[string]int{"users": 0, "posts": 0}, b.Skipped())
}

func TestDecodePayloadFlatRows(t *testing.T) {
	payload := `[
		{"user_id": 1, "username": "a", "email": null, "post_id": 7, "title": "x", "body": "y", "extra": {"k": 1}},
		{"user_id": 1, "username": "dup", "post_id": 8, "title": "z", "body": true},
		{"username": "no key", "post_id": 9, "title": "t", "body": "b"}
	]`
	b, err := DecodePayload(context.Background(), []byte(payload), usersPosts(t), MissingNull)
	require.NoError(t, err)

	users := b.Batch("users")
	assert.Equal(t, [][]sql.NullString{{text("1"), text("a"), {}}}, users.Rows)
	assert.Equal(t, 1, users.Skipped)

	posts := b.Batch("posts")
	require.Len(t, posts.Rows, 3)
	assert.Equal(t, []sql.NullString{text("8"), text("z"), text("true"), text("1")}, posts.Rows[1])
	assert.Equal(t, []sql.NullString{text("9"), text("t"), text("b"), {}}, posts.Rows[2])
}

func TestDecodePayloadMissingPolicy(t *testing.T) {
	payload := `{"users": [{"user_id": "1", "username": "a"}, {"user_id": "2", "username": "b", "email": "b@x"}]}`

	tests := []struct {
		name    string
		policy  MissingPolicy
		rows    int
		skipped int
		wantErr bool
	}{
		{name: "null", policy: MissingNull, rows: 2},
		{name: "skip", policy: MissingSkip, rows: 1, skipped: 1},
		{name: "error", policy: MissingError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := DecodePayload(context.Background(), []byte(payload), usersPosts(t), tt.policy)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrFetch)
				var fe *FetchError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, http.StatusUnprocessableEntity, fe.StatusCode())
				return
			}
			require.NoError(t, err)
			assert.Len(t, b.Batch("users").Rows, tt.rows)
			assert.Equal(t, tt.skipped, b.Batch("users").Skipped)
			assert.Empty(t, b.Batch("posts").Rows)
		})
	}
}

func TestDecodePayloadKeylessRowSkippedBeforePolicy(t *testing.T) {
	payload := `{"users": [{"username": "no key"}, {"user_id": "2", "username": "b", "email": "b@x"}]}`

	for _, policy := range []MissingPolicy{MissingNull, MissingSkip, MissingError} {
		b, err := DecodePayload(context.Background(), []byte(payload), usersPosts(t), policy)
		require.NoError(t, err)
		users := b.Batch("users")
		assert.Equal(t, [][]sql.NullString{{text("2"), text("b"), text("b@x")}}, users.Rows)
		assert.Equal(t, 1, users.Skipped)
	}
}

func TestDecodePayloadRejects(t *testing.T) {
	for _, payload := range []string{`nope`, `"text"`, `[1, 2]`, `{"users": {"user_id": 1}}`} {
		_, err := DecodePayload(context.Background(), []byte(payload), usersPosts(t), MissingNull)
		assert.ErrorIs(t, err, ErrFetch, payload)
	}
}

func TestParseMissingPolicy(t *testing.T) {
	p, err := ParseMissingPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MissingNull, p)

	p, err = ParseMissingPolicy(" Skip ")
	require.NoError(t, err)
	assert.Equal(t, MissingSkip, p)

	_, err = ParseMissingPolicy("drop")
	assert.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(usersPostsPayload))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(usersPostsPayload))
		case "/broken":
			w.Write([]byte("<html>"))
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantReason string
	}{
		{name: "ok", path: "/data"},
		{name: "not found", path: "/missing", wantStatus: http.StatusNotFound, wantReason: "Id not found"},
		{name: "upstream error", path: "/fail", wantStatus: http.StatusBadGateway, wantReason: "Remote Response Error"},
		{name: "bad body", path: "/broken", wantStatus: http.StatusInternalServerError, wantReason: "Wrong Remote Source Response"},
		{name: "timeout", path: "/slow", wantStatus: http.StatusRequestTimeout, wantReason: "Remote Source Request timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewHTTPFetcher(srv.URL, tt.path, 50*time.Millisecond, MissingNull)
			b, err := f.Fetch(context.Background(), usersPosts(t))
			if tt.wantStatus == 0 {
				require.NoError(t, err)
				assert.Len(t, b.Batch("posts").Rows, 1)
				return
			}
			var fe *FetchError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.wantStatus, fe.StatusCode())
			assert.Equal(t, tt.wantReason, fe.Reason)
		})
	}
}

func TestHTTPFetcherConnectError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	f := NewHTTPFetcher(addr, "/data", time.Second, MissingNull)
	assert.Equal(t, "http://"+addr, f.BaseURL)

	_, err := f.Fetch(context.Background(), usersPosts(t))
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode())
	assert.Equal(t, "Connect to Remote Source error", fe.Reason)
}

func TestFileFetcher(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/source.json", []byte(usersPostsPayload), 0o644))

	f := &FileFetcher{Fs: fs, Path: "/srv/source.json"}
	b, err := f.Fetch(context.Background(), usersPosts(t))
	require.NoError(t, err)
	assert.Len(t, b.Batch("users").Rows, 1)

	f.Path = "/srv/missing.json"
	_, err = f.Fetch(context.Background(), usersPosts(t))
	assert.ErrorIs(t, err, ErrFetch)
}
