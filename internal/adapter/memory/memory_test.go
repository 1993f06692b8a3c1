package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottthesecond/sync-frame/internal/types"
)

func TestGetUpdatesFromInitialCursorReturnsFullSnapshot(t *testing.T) {
	ctx := context.Background()
	a := New()
	a.Seed("r1", map[string]any{"v": 1})
	a.Seed("r2", map[string]any{"v": 2})

	cs, next, err := a.GetUpdates(ctx, types.Cursor{})
	require.NoError(t, err)
	assert.Len(t, cs.Upserts, 2)
	assert.False(t, next.IsInitial())
}

func TestGetUpdatesIsMonotonic(t *testing.T) {
	ctx := context.Background()
	a := New()
	a.Seed("r1", map[string]any{"v": 1})

	_, cursor1, err := a.GetUpdates(ctx, types.Cursor{})
	require.NoError(t, err)

	cs, cursor2, err := a.GetUpdates(ctx, cursor1)
	require.NoError(t, err)
	assert.Empty(t, cs.Upserts, "no new changes since cursor1")
	assert.Equal(t, cursor1.String(), cursor2.String())

	a.Seed("r2", map[string]any{"v": 2})
	cs, _, err = a.GetUpdates(ctx, cursor1)
	require.NoError(t, err)
	require.Len(t, cs.Upserts, 1)
	assert.Equal(t, "r2", cs.Upserts[0].ID)
}

func TestDeleteIsReportedOnNextGetUpdates(t *testing.T) {
	ctx := context.Background()
	a := New()
	a.Seed("r1", map[string]any{"v": 1})
	_, cursor, err := a.GetUpdates(ctx, types.Cursor{})
	require.NoError(t, err)

	a.Delete("r1")
	cs, _, err := a.GetUpdates(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, cs.Deletes)
	assert.False(t, a.Has("r1"))
}

func TestApplyChangesAppliesUpsertsAndDeletes(t *testing.T) {
	ctx := context.Background()
	a := New()

	err := a.ApplyChanges(ctx, types.ChangeSet{
		Upserts: []types.Record{{ID: "r1", Fields: map[string]any{"v": 1}}},
	})
	require.NoError(t, err)
	assert.True(t, a.Has("r1"))

	err = a.ApplyChanges(ctx, types.ChangeSet{Deletes: []string{"r1"}})
	require.NoError(t, err)
	assert.False(t, a.Has("r1"))
}

func TestSerializeDeserializeCursorRoundTrip(t *testing.T) {
	a := New()
	token, err := a.SerializeCursor(types.NewCursor("42"))
	require.NoError(t, err)
	assert.Equal(t, "42", token)

	cursor, err := a.DeserializeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.String())

	initial, err := a.DeserializeCursor("")
	require.NoError(t, err)
	assert.True(t, initial.IsInitial())
}
