package cache

import (
	"context"
	"sync/atomic"

	"github.com/gigapi/gigapi-cache/core"
)

// SchemaStore owns the active schema and rebuilds the store structure when it
// changes.
type SchemaStore struct {
	current  atomic.Pointer[Schema]
	ingestor *Ingestor
}

func newSchemaStore(ingestor *Ingestor) *SchemaStore {
	st := &SchemaStore{ingestor: ingestor}
	empty, _ := NewSchema()
	st.current.Store(empty)
	return st
}

// ApplySchema validates tables and replaces the schema wholesale. Tables not
// in the new schema become unreachable and every table starts out empty.
// Validation, including join planning, happens before anything is touched.
func (st *SchemaStore) ApplySchema(ctx context.Context, tables []TableDefinition) (*Schema, error) {
	schema, err := NewSchema(tables...)
	if err != nil {
		return nil, err
	}
	plan, err := PlanJoins(schema)
	if err != nil {
		return nil, err
	}
	if _, err := st.ingestor.publishEmpty(ctx, schema, plan); err != nil {
		return nil, err
	}
	st.current.Store(schema)
	core.Infof(ctx, "Applied schema with %d tables", schema.Len())
	return schema, nil
}

// Current returns the active schema.
func (st *SchemaStore) Current() *Schema {
	return st.current.Load()
}
