// Package linkindex defines the durable link index contract (C2): the
// store of bidirectional record links, per-side cursors, fail counters,
// conflicts, run logs, and job disablement that the sync engine relies
// on for identity and echo prevention across cycles.
package linkindex

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by lookups that find nothing. Most callers
// treat a miss as a normal, expected outcome (e.g. findDest returning
// "no link yet") and check for it with errors.Is rather than
// propagating it as a cycle-aborting failure.
var ErrNotFound = errors.New("linkindex: not found")

// A Tuple identifies one side of a Link: the source or destination
// half of the underlined key (src_adapter, src_table, src_id) or
// (dest_adapter, dest_table, dest_id) from spec section 3.
type Tuple struct {
	Adapter string
	Table   string
	ID      string
}

// Conflict is recorded only under the manual conflict policy; it is
// resolved by an operator calling ResolveConflict.
type Conflict struct {
	ConflictID string
	JobID      string
	Src        Tuple
	Dest       Tuple
	SrcPayload map[string]any
	DestPayload map[string]any
	DetectedAt time.Time
}

// RunStatus classifies the outcome of one sync cycle.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// RunSummary is an append-only record of one engine cycle.
type RunSummary struct {
	RunID     string
	JobID     string
	StartedAt time.Time
	EndedAt   time.Time
	Status    RunStatus
	Summary   map[string]any
}

// LinkIndex is the durable key-value contract described in spec
// section 4.2. Implementations must make UpsertLink atomic with
// respect to concurrent readers: a reader observes either the old
// binding or the new one, never a half-update (invariant L1/L2). The
// backing store is expected to be single-writer per job in v1;
// multi-writer safety is not required.
//
// Fail counters are tracked per (job, adapter, table) rather than per
// job, per the resolution of the open question in spec section 9:
// IncrementFailCount/ResetFailCount/GetFailCount are all keyed by a
// single side, and a job is disabled the moment any one side's
// counter reaches disableJobAfter.
type LinkIndex interface {
	// UpsertLink atomically installs or replaces a bidirectional
	// binding between src and dest, breaking any previous binding that
	// touched either tuple (no dangling half-links).
	UpsertLink(ctx context.Context, src, dest Tuple) error

	// FindDest returns the destination id linked to src, or
	// ErrNotFound if no link exists.
	FindDest(ctx context.Context, src Tuple) (string, error)

	// FindSource returns the source id linked to dest, or
	// ErrNotFound if no link exists.
	FindSource(ctx context.Context, dest Tuple) (string, error)

	// LoadCursor returns the stored cursor token for (job, adapter,
	// table), or "" if absent.
	LoadCursor(ctx context.Context, job, adapter, table string) (string, error)

	// SaveCursor upserts the cursor token, overwriting any prior
	// value.
	SaveCursor(ctx context.Context, job, adapter, table, token string) error

	// IsJobDisabled reports whether the job has been disabled by the
	// automatic circuit breaker (or an operator).
	IsJobDisabled(ctx context.Context, job string) (bool, error)

	// SetJobDisabled marks the job disabled as of ts.
	SetJobDisabled(ctx context.Context, job string, ts time.Time) error

	// IncrementFailCount increments and returns the new fail count for
	// (job, adapter, table).
	IncrementFailCount(ctx context.Context, job, adapter, table string) (int, error)

	// ResetFailCount zeroes the fail count for (job, adapter, table).
	ResetFailCount(ctx context.Context, job, adapter, table string) error

	// GetFailCount returns the current fail count for (job, adapter,
	// table), 0 if never recorded.
	GetFailCount(ctx context.Context, job, adapter, table string) (int, error)

	// InsertConflict records a manual-policy conflict.
	InsertConflict(ctx context.Context, c Conflict) error

	// GetConflicts returns all unresolved conflicts for a job.
	GetConflicts(ctx context.Context, job string) ([]Conflict, error)

	// ResolveConflict idempotently deletes a conflict by id.
	ResolveConflict(ctx context.Context, conflictID string) error

	// InsertRun appends a run summary. Runs are never updated or
	// deleted by the core.
	InsertRun(ctx context.Context, r RunSummary) error
}
