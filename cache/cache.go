package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gigapi/gigapi-cache/core"
)

// Options configure a Cache. They are read once at startup by the caller.
type Options struct {
	Driver       string
	DSN          string
	Fetcher      Fetcher
	TTL          time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Cache serves joined, filtered reads from the current snapshot and keeps it
// fresh from the source.
type Cache struct {
	store     *Store
	fetcher   Fetcher
	snapshots *snapshots
	ingestor  *Ingestor
	schemas   *SchemaStore
	scheduler *Scheduler
}

// New opens the store, clears tables left by a previous run and starts the
// staleness poll.
func New(ctx context.Context, opts Options) (*Cache, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store, err := OpenStore(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Reset(ctx); err != nil {
		store.Close()
		return nil, err
	}

	c := &Cache{
		store:     store,
		fetcher:   opts.Fetcher,
		snapshots: &snapshots{},
	}
	c.ingestor = newIngestor(store, c.snapshots, now)
	c.schemas = newSchemaStore(c.ingestor)
	c.scheduler = NewScheduler(opts.TTL, now, c.lastRefresh, c.refresh)
	if err := c.scheduler.Start(opts.PollInterval); err != nil {
		store.Close()
		return nil, err
	}
	core.Infof(ctx, "Cache store %s ready", store.Driver)
	return c, nil
}

func (c *Cache) lastRefresh() (time.Time, bool) {
	snap := c.snapshots.peek()
	if snap == nil || snap.Schema.Len() == 0 {
		return time.Time{}, false
	}
	return snap.Timestamp, true
}

func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	schema := c.schemas.Current()
	if schema.Len() == 0 {
		return c.snapshots.peek(), nil
	}
	if c.fetcher == nil {
		return nil, &FetchError{Status: http.StatusServiceUnavailable, Reason: "No source configured"}
	}
	plan, err := PlanJoins(schema)
	if err != nil {
		return nil, err
	}
	batches, err := c.fetcher.Fetch(ctx, schema)
	if err != nil {
		return nil, err
	}
	return c.ingestor.Ingest(ctx, schema, plan, batches)
}

// UpdateSchema replaces the schema and forces a refresh under it. Invalid
// schemas are rejected before anything changes.
func (c *Cache) UpdateSchema(ctx context.Context, tables []TableDefinition) (*UpdateReport, error) {
	snap, err := c.scheduler.Exclusive(ctx, func(ctx context.Context) error {
		_, err := c.schemas.ApplySchema(ctx, tables)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.report(snap), nil
}

// Refresh re-fetches the source under the current schema and waits for it.
func (c *Cache) Refresh(ctx context.Context) (*UpdateReport, error) {
	snap, err := c.scheduler.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.report(snap), nil
}

func (c *Cache) report(snap *Snapshot) *UpdateReport {
	if snap == nil {
		return &UpdateReport{Schema: c.schemas.Current(), Recorded: map[string]int{}, Skipped: map[string]int{}}
	}
	return newUpdateReport(snap)
}

// Rows returns every joined row.
func (c *Cache) Rows(ctx context.Context) (*Result, error) {
	return c.Read(ctx, Query{})
}

// Search returns the joined rows containing text in any field.
func (c *Cache) Search(ctx context.Context, text string) (*Result, error) {
	return c.Read(ctx, Search(text))
}

// Query returns the joined rows matching every filter and the search text.
func (c *Cache) Query(ctx context.Context, filters map[string]string, search string) (*Result, error) {
	return c.Read(ctx, Query{Filters: filters, Search: search})
}

// Read answers q from exactly one snapshot generation. A stale snapshot keeps
// serving while a background refresh replaces it.
func (c *Cache) Read(ctx context.Context, q Query) (*Result, error) {
	c.scheduler.Poll()

	snap, release := c.snapshots.acquire()
	defer release()

	if snap == nil || len(snap.Plan.Steps) == 0 {
		var empty Plan
		if _, err := empty.validate(q); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}

	stmt, args, err := snap.Plan.Select(snap.tables, q, c.store.LowerFunc())
	if err != nil {
		return nil, err
	}
	columns := snap.Plan.ColumnNames()
	start := time.Now()
	rows, err := c.store.Select(ctx, stmt, args, len(columns))
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "Got %d rows from generation %d in: %v", len(rows), snap.Generation, time.Since(start))

	res := &Result{Generation: snap.Generation, Columns: columns, Records: make([]Record, len(rows))}
	for i, row := range rows {
		res.Records[i] = Record{columns: columns, values: row}
	}
	return res, nil
}

// Schema returns the active schema.
func (c *Cache) Schema() *Schema {
	return c.schemas.Current()
}

// SchemaStore exposes the schema store.
func (c *Cache) SchemaStore() *SchemaStore {
	return c.schemas
}

// Scheduler exposes the refresh scheduler.
func (c *Cache) Scheduler() *Scheduler {
	return c.scheduler
}

// Snapshot returns metadata of the current snapshot, or nil.
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshots.peek()
}

// Close stops background work and closes the store.
func (c *Cache) Close() error {
	c.scheduler.Stop()
	return errors.Join(c.store.Close())
}
