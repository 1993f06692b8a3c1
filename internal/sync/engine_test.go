package sync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottthesecond/sync-frame/internal/chaos"
	"github.com/scottthesecond/sync-frame/internal/linkindex"
	"github.com/scottthesecond/sync-frame/internal/sync"
	"github.com/scottthesecond/sync-frame/internal/sync/synctest"
	"github.com/scottthesecond/sync-frame/internal/transform"
	"github.com/scottthesecond/sync-frame/internal/types"
)

// alwaysFailingMapper fails ToDest for every record, so every upsert in
// a changeset becomes a non-fatal, per-record mapper error and nothing
// ever reaches push.
type alwaysFailingMapper struct{}

func (alwaysFailingMapper) ToDest(types.Record) (types.Record, error) {
	return types.Record{}, assert.AnError
}
func (alwaysFailingMapper) ToSource(rec types.Record) (types.Record, error) { return rec, nil }

// Scenario 1: Basic A->B.
func TestScenarioBasicAToB(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterA.Seed("a2", map[string]any{"updatedAt": float64(100)})

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.True(t, f.AdapterB.Has("a1"))
	assert.True(t, f.AdapterB.Has("a2"))

	destID, lerr := f.LinkIndex.FindDest(ctx, linkindex.Tuple{Adapter: "sideA", Table: "records", ID: "a1"})
	require.NoError(t, lerr)
	assert.Equal(t, "a1", destID)

	assert.Equal(t, linkindex.RunSuccess, summary.Status)
	assert.Equal(t, 2, summary.Summary["upsertsAtoB"])
	assert.Equal(t, 0, summary.Summary["upsertsBtoA"])
}

// Scenario 2: Simultaneous bootstrap.
func TestScenarioSimultaneousBootstrap(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterB.Seed("b1", map[string]any{"updatedAt": float64(100)})

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.True(t, f.AdapterA.Has("a1"))
	assert.True(t, f.AdapterA.Has("b1"))
	assert.True(t, f.AdapterB.Has("a1"))
	assert.True(t, f.AdapterB.Has("b1"))

	assert.Equal(t, 1, summary.Summary["upsertsAtoB"])
	assert.Equal(t, 1, summary.Summary["upsertsBtoA"])

	linkCount := 0
	for _, id := range []string{"a1", "b1"} {
		if _, lerr := f.LinkIndex.FindDest(ctx, linkindex.Tuple{Adapter: "sideA", Table: "records", ID: id}); lerr == nil {
			linkCount++
		}
	}
	assert.Equal(t, 2, linkCount)
}

// Scenario 3: Idempotence.
func TestScenarioIdempotence(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterA.Seed("a2", map[string]any{"updatedAt": float64(100)})
	_, err = f.Engine.Run(ctx)
	require.NoError(t, err)

	linksBefore, err := f.LinkIndex.FindDest(ctx, linkindex.Tuple{Adapter: "sideA", Table: "records", ID: "a1"})
	require.NoError(t, err)

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Summary["upsertsAtoB"])
	assert.Equal(t, 0, summary.Summary["upsertsBtoA"])
	assert.Equal(t, 0, summary.Summary["deletesAtoB"])
	assert.Equal(t, 0, summary.Summary["deletesBtoA"])

	linksAfter, err := f.LinkIndex.FindDest(ctx, linkindex.Tuple{Adapter: "sideA", Table: "records", ID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, linksBefore, linksAfter, "no new link should be created")

	count := 0
	if f.AdapterB.Has("a1") {
		count++
	}
	if f.AdapterB.Has("a2") {
		count++
	}
	assert.Equal(t, 2, count)
}

// Scenario 4: Delete propagation.
func TestScenarioDeletePropagation(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterA.Seed("a2", map[string]any{"updatedAt": float64(100)})
	_, err = f.Engine.Run(ctx)
	require.NoError(t, err)
	require.True(t, f.AdapterB.Has("a1"))

	f.AdapterA.Delete("a1")
	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.False(t, f.AdapterB.Has("a1"))
	assert.Equal(t, 1, summary.Summary["deletesAtoB"])
}

// Scenario 5: last_writer_wins conflict.
func TestScenarioLastWriterWinsConflict(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	// Link a1 (side A) <-> b1 (side B) as an already-established binding
	// from a prior cycle.
	require.NoError(t, f.LinkIndex.UpsertLink(ctx,
		linkindex.Tuple{Adapter: "sideA", Table: "records", ID: "a1"},
		linkindex.Tuple{Adapter: "sideB", Table: "records", ID: "b1"}))

	f.AdapterA.Upsert("a1", map[string]any{"updatedAt": float64(2000)})
	f.AdapterB.Upsert("b1", map[string]any{"updatedAt": float64(3000)})

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Summary["upsertsAtoB"], "destination is newer: A->B propagation of a1 is skipped")
	assert.Equal(t, 1, summary.Summary["upsertsBtoA"], "reverse direction pushes b1's payload to A")

	fields, ok := f.AdapterA.Get("a1")
	require.True(t, ok)
	assert.Equal(t, float64(3000), fields["updatedAt"])
}

// Scenario 6: manual conflict.
func TestScenarioManualConflict(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture(synctest.WithConflictPolicy(transform.PolicyManual))
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, f.LinkIndex.UpsertLink(ctx,
		linkindex.Tuple{Adapter: "sideA", Table: "records", ID: "a1"},
		linkindex.Tuple{Adapter: "sideB", Table: "records", ID: "b1"}))

	f.AdapterA.Upsert("a1", map[string]any{"updatedAt": float64(2000), "name": "from-a"})
	f.AdapterB.Upsert("b1", map[string]any{"updatedAt": float64(1000), "name": "from-b"})

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Summary["upsertsAtoB"])
	assert.Equal(t, 0, summary.Summary["upsertsBtoA"])

	conflicts, err := f.LinkIndex.GetConflicts(ctx, f.Job.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(conflicts), 1)

	fieldsA, _ := f.AdapterA.Get("a1")
	assert.Equal(t, "from-a", fieldsA["name"], "manual policy never mutates either side for the conflicting pair")
	fieldsB, _ := f.AdapterB.Get("b1")
	assert.Equal(t, "from-b", fieldsB["name"])
}

// Scenario 7: retry then success.
func TestScenarioRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture(synctest.WithRetry(sync.RetryConfig{
		MaxAttempts:     3,
		BackoffSeconds:  0.01,
		DisableJobAfter: 20,
	}))
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterB.ApplyErr = chaos.ErrChaos
	f.AdapterB.ApplyErrCount = 2

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, linkindex.RunSuccess, summary.Status)
	assert.Equal(t, 2, summary.Summary["retries"])
	assert.True(t, f.AdapterB.Has("a1"))
}

// Scenario 8: auto-disable.
func TestScenarioAutoDisable(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture(synctest.WithRetry(sync.RetryConfig{
		MaxAttempts:     1,
		BackoffSeconds:  0,
		DisableJobAfter: 3,
	}))
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterB.ApplyErr = chaos.ErrChaos
	f.AdapterB.ApplyErrCount = -1 // always fail

	for i := 0; i < 3; i++ {
		summary, err := f.Engine.Run(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, linkindex.RunSuccess, summary.Status)
	}

	disabled, err := f.LinkIndex.IsJobDisabled(ctx, f.Job.ID)
	require.NoError(t, err)
	assert.True(t, disabled)

	seenBefore := len(f.AdapterA.CursorsSeen())
	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, linkindex.RunFailed, summary.Status)
	assert.Contains(t, summary.Summary["errors"], "job_disabled")
	assert.Equal(t, seenBefore, len(f.AdapterA.CursorsSeen()), "a disabled job must not invoke adapters")
}

// Scenario 9: cursor persistence.
func TestScenarioCursorPersistence(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	_, err = f.Engine.Run(ctx)
	require.NoError(t, err)

	savedToken, err := f.LinkIndex.LoadCursor(ctx, f.Job.ID, "sideA", "records")
	require.NoError(t, err)
	require.NotEmpty(t, savedToken)

	f.AdapterA.Seed("a2", map[string]any{"updatedAt": float64(200)})
	_, err = f.Engine.Run(ctx)
	require.NoError(t, err)

	seen := f.AdapterA.CursorsSeen()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].IsInitial(), "first cycle pulls from the initial cursor")
	assert.Equal(t, savedToken, seen[1].String(), "second cycle's getUpdates uses the cursor saved by the first")
}

// Additional invariant: fail counts reset to zero after any success.
func TestFailCountResetsAfterSuccess(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture(synctest.WithRetry(sync.RetryConfig{
		MaxAttempts:     1,
		BackoffSeconds:  0,
		DisableJobAfter: 20,
	}))
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})
	f.AdapterB.ApplyErr = chaos.ErrChaos
	f.AdapterB.ApplyErrCount = -1

	_, err = f.Engine.Run(ctx)
	require.NoError(t, err)
	count, err := f.LinkIndex.GetFailCount(ctx, f.Job.ID, "sideB", "records")
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	f.AdapterB.ApplyErr = nil
	f.AdapterB.ApplyErrCount = 0
	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, linkindex.RunSuccess, summary.Status)

	countA, err := f.LinkIndex.GetFailCount(ctx, f.Job.ID, "sideA", "records")
	require.NoError(t, err)
	assert.Equal(t, 0, countA)
	countB, err := f.LinkIndex.GetFailCount(ctx, f.Job.ID, "sideB", "records")
	require.NoError(t, err)
	assert.Equal(t, 0, countB)
}

// A cycle whose only errors are non-fatal mapper failures, and which
// therefore pushes nothing on either side, must classify as failed
// (errors, zero progress), not partial (errors, some progress).
func TestStatusIsFailedNotPartialWhenNoProgressWasMade(t *testing.T) {
	ctx := context.Background()
	f, cleanup, err := synctest.NewFixture(synctest.WithMapper(alwaysFailingMapper{}))
	require.NoError(t, err)
	defer cleanup()

	f.AdapterA.Seed("a1", map[string]any{"updatedAt": float64(100)})

	summary, err := f.Engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, linkindex.RunFailed, summary.Status)
	assert.NotEmpty(t, summary.Summary["errors"])
	assert.Equal(t, 0, summary.Summary["upsertsAtoB"])
	assert.False(t, f.AdapterB.Has("a1"))
}
