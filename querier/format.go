package querier

import (
	"net/http"

	"github.com/gigapi/gigapi-cache/cache"
)

type formatterFn func(res *cache.Result, w http.ResponseWriter) error

var formatters = map[string]formatterFn{
	"json":   JsonFormatter,
	"ndjson": NDJsonFormatter,
}
