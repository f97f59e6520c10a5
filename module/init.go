package module

import (
	"context"
	"net/http"

	"github.com/gigapi/gigapi-config/config"
	"github.com/gigapi/gigapi/v2/modules"

	"github.com/gigapi/gigapi-cache/cache"
	"github.com/gigapi/gigapi-cache/core"
	"github.com/gigapi/gigapi-cache/querier"
	"github.com/gigapi/gigapi-cache/settings"
)

const prefix = "/cache"

var c *cache.Cache

func WithNoError(hndl func(w http.ResponseWriter, r *http.Request),
) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		hndl(w, r)
		return nil
	}
}

// Init mounts the cache routes under /cache when the host serves reads.
func Init(api modules.Api) {
	if config.Config.Gigapi.Mode != "readonly" && config.Config.Gigapi.Mode != "aio" {
		return
	}
	ctx := core.WithDefaultLogger(context.Background(), "cache-module")
	s, err := settings.Load("")
	if err != nil {
		panic(err)
	}
	c, err = cache.Open(ctx, s)
	if err != nil {
		panic(err)
	}

	server := querier.NewServer(c).WithRefreshLimit(s.RefreshLimit)
	routes := []*modules.Route{
		{Path: prefix + "/health", Methods: []string{"GET"}, Handler: WithNoError(server.HandleHealth)},
		{Path: prefix + "/update", Methods: []string{"GET"}, Handler: WithNoError(server.HandleRefresh)},
		{Path: prefix + "/update", Methods: []string{"POST"}, Handler: WithNoError(server.HandleUpdate)},
		{Path: prefix, Methods: []string{"GET"}, Handler: WithNoError(server.HandleRows)},
		{Path: prefix, Methods: []string{"POST"}, Handler: WithNoError(server.HandleFilter)},
		{Path: prefix + "/{search_text}", Methods: []string{"GET"}, Handler: WithNoError(server.HandleSearch)},
	}
	for _, r := range routes {
		api.RegisterRoute(r)
	}
}

func Close() {
	if c != nil {
		c.Close()
	}
}
