package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gigapi/gigapi-cache/core"
)

// Ingestor writes fetched batches into a new store generation and publishes
// it as the current snapshot once every table is loaded.
type Ingestor struct {
	store     *Store
	snapshots *snapshots
	gen       atomic.Uint64
	now       func() time.Time
}

func newIngestor(store *Store, snaps *snapshots, now func() time.Time) *Ingestor {
	return &Ingestor{store: store, snapshots: snaps, now: now}
}

// Ingest loads batches under schema and swaps the result in. On failure the
// previous snapshot stays current.
func (i *Ingestor) Ingest(ctx context.Context, schema *Schema, plan *Plan, batches *Batches) (*Snapshot, error) {
	snap, err := i.build(ctx, schema, plan, batches)
	if err != nil {
		return nil, err
	}
	snap.Timestamp = i.now()
	i.snapshots.swap(snap)
	core.Infof(ctx, "Published generation %d: %v", snap.Generation, snap.RowCounts)
	return snap, nil
}

// publishEmpty swaps in the structure for schema without data. Its zero
// timestamp makes it stale immediately.
func (i *Ingestor) publishEmpty(ctx context.Context, schema *Schema, plan *Plan) (*Snapshot, error) {
	snap, err := i.build(ctx, schema, plan, NewBatches(schema))
	if err != nil {
		return nil, err
	}
	i.snapshots.swap(snap)
	return snap, nil
}

func (i *Ingestor) build(ctx context.Context, schema *Schema, plan *Plan, batches *Batches) (*Snapshot, error) {
	gen := i.gen.Add(1)
	physical, counts, err := i.store.Build(ctx, gen, schema, batches)
	if err != nil {
		return nil, fmt.Errorf("ingest of generation %d failed: %w", gen, err)
	}
	snap := &Snapshot{
		Generation: gen,
		Schema:     schema,
		Plan:       plan,
		RowCounts:  counts,
		Skipped:    batches.Skipped(),
		tables:     physical,
	}
	store := i.store
	snap.onDrop = func() { store.Drop(gen, physical) }
	return snap, nil
}
