package querier

import (
	"encoding/json"
	"net/http"

	"github.com/gigapi/gigapi-cache/cache"
)

// JsonFormatter writes the rows as one JSON array in projection key order.
func JsonFormatter(res *cache.Result, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(res)
}

// NDJsonFormatter writes one JSON object per line.
func NDJsonFormatter(res *cache.Result, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, rec := range res.Records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}
