package chaos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottthesecond/sync-frame/internal/adapter/memory"
	"github.com/scottthesecond/sync-frame/internal/types"
)

func TestFailTimesFailsExactlyNTimesThenDelegates(t *testing.T) {
	ctx := context.Background()
	delegate := memory.New()
	wrapped := FailTimes(delegate, 2, nil)

	err := wrapped.ApplyChanges(ctx, types.ChangeSet{Upserts: []types.Record{{ID: "a1"}}})
	assert.ErrorIs(t, err, ErrChaos)

	err = wrapped.ApplyChanges(ctx, types.ChangeSet{Upserts: []types.Record{{ID: "a1"}}})
	assert.ErrorIs(t, err, ErrChaos)

	require.NoError(t, wrapped.ApplyChanges(ctx, types.ChangeSet{Upserts: []types.Record{{ID: "a1"}}}))
	assert.True(t, delegate.Has("a1"))
}

func TestAlwaysNeverDelegatesApplyChanges(t *testing.T) {
	ctx := context.Background()
	delegate := memory.New()
	wrapped := Always(delegate, nil)

	for i := 0; i < 5; i++ {
		err := wrapped.ApplyChanges(ctx, types.ChangeSet{Upserts: []types.Record{{ID: "a1"}}})
		assert.ErrorIs(t, err, ErrChaos)
	}
	assert.False(t, delegate.Has("a1"))
}

func TestChaosWrapperPassesThroughGetUpdatesAndCursorMethods(t *testing.T) {
	ctx := context.Background()
	delegate := memory.New()
	delegate.Seed("a1", map[string]any{"v": 1})
	wrapped := Always(delegate, nil)

	changes, _, err := wrapped.GetUpdates(ctx, types.Cursor{})
	require.NoError(t, err)
	require.Len(t, changes.Upserts, 1)

	token, err := wrapped.SerializeCursor(types.NewCursor("5"))
	require.NoError(t, err)
	assert.Equal(t, "5", token)

	cursor, err := wrapped.DeserializeCursor("5")
	require.NoError(t, err)
	assert.Equal(t, "5", cursor.String())
}
