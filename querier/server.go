// server.go
package querier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/gigapi/gigapi-cache/cache"
	"github.com/gigapi/gigapi-cache/core"
)

const maxBodySize = 10 << 20

// CacheClient is the part of the cache the servers need.
type CacheClient interface {
	Read(ctx context.Context, q cache.Query) (*cache.Result, error)
	UpdateSchema(ctx context.Context, tables []cache.TableDefinition) (*cache.UpdateReport, error)
	Refresh(ctx context.Context) (*cache.UpdateReport, error)
}

// Server represents the API server
type Server struct {
	Cache CacheClient
	// refreshes limits source fetches requested over HTTP; nil means no limit.
	refreshes *rate.Limiter
}

// NewServer creates a new server instance
func NewServer(c CacheClient) *Server {
	return &Server{Cache: c}
}

// WithRefreshLimit allows perMinute refresh and update requests per minute.
// Zero or less removes the limit.
func (s *Server) WithRefreshLimit(perMinute int) *Server {
	if perMinute <= 0 {
		s.refreshes = nil
		return s
	}
	s.refreshes = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return s
}

func (s *Server) allowRefresh(w http.ResponseWriter) bool {
	if s.refreshes == nil || s.refreshes.Allow() {
		return true
	}
	sendErrorResponse(w, "Too many refresh requests", http.StatusTooManyRequests)
	return false
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqId int32

func requestContext(r *http.Request) context.Context {
	return core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
}

// Routes returns the standalone router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.HandleHealth)
	r.Get("/update", s.HandleRefresh)
	r.Post("/update", s.HandleUpdate)
	r.Get("/", s.HandleRows)
	r.Post("/", s.HandleFilter)
	r.Get("/{search_text}", s.HandleSearch)
	return r
}

// HandleHealth answers liveness probes.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "HEALTHY")
}

// HandleRows returns every joined row.
func (s *Server) HandleRows(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, cache.Query{})
}

// HandleSearch returns the rows containing the path segment as free text.
func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	text, err := searchText(r)
	if err != nil {
		sendErrorResponse(w, "Invalid search text", http.StatusBadRequest)
		return
	}
	s.read(w, r, cache.Search(text))
}

// HandleFilter reads field=value filters and an optional searchstring from a
// form or JSON body.
func (s *Server) HandleFilter(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	filters, err := parseFilters(r)
	if err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	q := cache.Query{Filters: filters}
	if v, ok := filters["searchstring"]; ok {
		q.Search = v
		delete(filters, "searchstring")
	}
	s.read(w, r, q)
}

func (s *Server) read(w http.ResponseWriter, r *http.Request, q cache.Query) {
	ctx := requestContext(r)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	formatter, ok := formatters[format]
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("Unsupported format %q", format), http.StatusBadRequest)
		return
	}

	res, err := s.Cache.Read(ctx, q)
	if err != nil {
		core.Warnf(ctx, "Read failed: %v", err)
		writeError(w, err)
		return
	}
	if err := formatter(res, w); err != nil {
		core.Errorf(ctx, "Failed to write response: %v", err)
	}
}

// HandleRefresh re-fetches the source under the current schema.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allowRefresh(w) {
		return
	}
	ctx := requestContext(r)
	report, err := s.Cache.Refresh(ctx)
	if err != nil {
		core.Errorf(ctx, "Refresh failed: %v", err)
		writeError(w, err)
		return
	}
	sendReport(w, report)
}

// HandleUpdate replaces the schema with the JSON body and refreshes.
func (s *Server) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.allowRefresh(w) {
		return
	}
	ctx := requestContext(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tables, err := cache.ParseSchemaJSON(body)
	if err != nil {
		core.Warnf(ctx, "Rejected schema: %v", err)
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	report, err := s.Cache.UpdateSchema(ctx, tables)
	if err != nil {
		core.Errorf(ctx, "Schema update failed: %v", err)
		writeError(w, err)
		return
	}
	core.Infof(ctx, "Schema updated: %v", report.Recorded)
	sendReport(w, report)
}

func sendReport(w http.ResponseWriter, report *cache.UpdateReport) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, report.String())
}

// searchText returns the decoded last path segment. Outside of chi routing
// the segment is taken from the request path.
func searchText(r *http.Request) (string, error) {
	if v := chi.URLParam(r, "search_text"); v != "" {
		if r.URL.RawPath == "" {
			return v, nil
		}
		return url.PathUnescape(v)
	}
	return url.PathUnescape(path.Base(r.URL.EscapedPath()))
}

func parseFilters(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return parseJSONFilters(body)
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodySize); err != nil {
			return nil, err
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, err
	}
	filters := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			filters[k] = v[0]
		}
	}
	return filters, nil
}

// parseJSONFilters flattens a JSON object of scalars to strings. Nulls are
// ignored.
func parseJSONFilters(body []byte) (map[string]string, error) {
	filters := make(map[string]string)
	if len(strings.TrimSpace(string(body))) == 0 {
		return filters, nil
	}
	err := jsonparser.ObjectEach(body, func(key []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
		k, err := jsonparser.ParseString(key)
		if err != nil {
			return err
		}
		switch dataType {
		case jsonparser.Null:
			return nil
		case jsonparser.String:
			v, err := jsonparser.ParseString(value)
			if err != nil {
				return err
			}
			filters[k] = v
		case jsonparser.Number, jsonparser.Boolean:
			filters[k] = string(value)
		default:
			return fmt.Errorf("filter %q must be a scalar", k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filters, nil
}

// statusFor maps cache errors to HTTP status codes.
func statusFor(err error) int {
	var fe *cache.FetchError
	switch {
	case errors.As(err, &fe):
		return fe.StatusCode()
	case errors.Is(err, cache.ErrUnknownField):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrInvalidIdentifier),
		errors.Is(err, cache.ErrSchemaValidation),
		errors.Is(err, cache.ErrAmbiguousJoin):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var fe *cache.FetchError
	if errors.As(err, &fe) && fe.Reason != "" {
		msg = fe.Reason
	}
	sendErrorResponse(w, msg, statusFor(err))
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
	})
}
