// Package synctest provides scenario-test scaffolding for the sync
// engine: two in-memory adapters, an in-memory link index, an
// identity mapper, and a ready Engine, assembled the way
// sinktest/all.Fixture assembles a sink test's pool/schema/watcher
// trio.
package synctest

import (
	adaptermemory "github.com/scottthesecond/sync-frame/internal/adapter/memory"
	linkindexmemory "github.com/scottthesecond/sync-frame/internal/linkindex/memory"
	"github.com/scottthesecond/sync-frame/internal/sync"
	"github.com/scottthesecond/sync-frame/internal/transform"
	"github.com/scottthesecond/sync-frame/internal/types"
)

// IdentityMapper copies a record's id and fields across the two
// sides unchanged; sufficient for scenario tests where the two memory
// adapters don't share an id namespace in practice but accept any
// string key.
type IdentityMapper struct{}

func (IdentityMapper) ToDest(rec types.Record) (types.Record, error) {
	return types.Record{ID: rec.ID, Fields: rec.Fields}, nil
}

func (IdentityMapper) ToSource(rec types.Record) (types.Record, error) {
	return types.Record{ID: rec.ID, Fields: rec.Fields}, nil
}

var _ types.Mapper = IdentityMapper{}

// Fixture bundles a complete, ready-to-run job for a scenario test.
type Fixture struct {
	LinkIndex *linkindexmemory.Store
	AdapterA  *adaptermemory.Adapter
	AdapterB  *adaptermemory.Adapter
	Job       sync.Job
	Engine    *sync.Engine
}

// Option customizes the Job NewFixture assembles, before the Engine
// is constructed.
type Option func(*sync.Job)

// WithRetry overrides the job's retry configuration.
func WithRetry(cfg sync.RetryConfig) Option {
	return func(j *sync.Job) { j.Retry = cfg }
}

// WithConflictPolicy overrides the job's conflict resolution policy.
func WithConflictPolicy(p transform.Policy) Option {
	return func(j *sync.Job) { j.ConflictPolicy = p }
}

// WithMapper overrides the job's mapper, e.g. to exercise per-record
// mapper failures in a scenario test.
func WithMapper(m types.Mapper) Option {
	return func(j *sync.Job) { j.Mapper = m }
}

// NewFixture returns a Fixture with fresh in-memory adapters and link
// index, plus a cleanup func; the cleanup is a no-op, since nothing the
// fixture builds holds resources to release.
func NewFixture(opts ...Option) (*Fixture, func(), error) {
	idx := linkindexmemory.New()
	adapterA := adaptermemory.New()
	adapterB := adaptermemory.New()

	job := sync.Job{
		ID:             "job-1",
		SideA:          types.Side{AdapterName: "sideA", Table: "records", Adapter: adapterA},
		SideB:          types.Side{AdapterName: "sideB", Table: "records", Adapter: adapterB},
		Mapper:         IdentityMapper{},
		LinkIndex:      idx,
		Retry:          sync.DefaultRetryConfig(),
		ConflictPolicy: transform.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(&job)
	}

	f := &Fixture{
		LinkIndex: idx,
		AdapterA:  adapterA,
		AdapterB:  adapterB,
		Job:       job,
		Engine:    sync.New(job),
	}
	return f, func() {}, nil
}
