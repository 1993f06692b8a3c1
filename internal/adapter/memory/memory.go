// Package memory provides an in-process types.Adapter backed by an
// ordered slice of records. It is the reference adapter used by the
// scenario tests in place of a real Airtable/Webflow client, and
// doubles as a spy: callers can inspect which cursors it was invoked
// with.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/scottthesecond/sync-frame/internal/types"
)

// Adapter is an in-memory, order-preserving types.Adapter. The cursor
// is the decimal string form of a monotonic sequence number: every
// Upsert/Delete call bumps the sequence, and GetUpdates returns every
// entry recorded after the requested cursor.
type Adapter struct {
	mu sync.Mutex

	seq     int
	entries []entry

	// live holds the current field set per record id, for change
	// detection; a record absent from live has been deleted.
	live map[string]types.Record

	// ApplyErr, when non-nil, is returned by ApplyChanges while
	// ApplyErrCount is non-zero: a positive count is decremented on each
	// failed call, so it fails that many times; a negative count fails
	// every call; zero fails none. Neither field is cleared. Used by
	// tests to script transient failures without internal/chaos.
	ApplyErr      error
	ApplyErrCount int

	// cursorsSeen records every cursor GetUpdates was called with, in
	// call order, so scenario 9 can assert on it.
	cursorsSeen []types.Cursor
}

type entry struct {
	seq     int
	id      string
	deleted bool
	fields  map[string]any
}

// New returns an empty adapter.
func New() *Adapter {
	return &Adapter{live: make(map[string]types.Record)}
}

// Seed installs a record directly, for test setup that wants a side to
// start non-empty. Like Upsert, it bumps the sequence, so the record
// is reported by the next GetUpdates call.
func (a *Adapter) Seed(id string, fields map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.entries = append(a.entries, entry{seq: a.seq, id: id, fields: fields})
	a.live[id] = types.Record{ID: id, Fields: fields}
}

// Upsert records a create/update as if the remote system had received
// it out of band, so the next GetUpdates call surfaces it.
func (a *Adapter) Upsert(id string, fields map[string]any) {
	a.Seed(id, fields)
}

// Delete records a deletion as if the remote system had received it
// out of band.
func (a *Adapter) Delete(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.entries = append(a.entries, entry{seq: a.seq, id: id, deleted: true})
	delete(a.live, id)
}

// Has reports whether id currently exists in the adapter's live set.
func (a *Adapter) Has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[id]
	return ok
}

// Get returns the current fields for id, if live.
func (a *Adapter) Get(id string) (map[string]any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.live[id]
	return rec.Fields, ok
}

// CursorsSeen returns every cursor GetUpdates has observed, in order.
func (a *Adapter) CursorsSeen() []types.Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := make([]types.Cursor, len(a.cursorsSeen))
	copy(ret, a.cursorsSeen)
	return ret
}

// GetUpdates implements types.Adapter.
func (a *Adapter) GetUpdates(_ context.Context, cursor types.Cursor) (types.ChangeSet, types.Cursor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cursorsSeen = append(a.cursorsSeen, cursor)

	from := 0
	if !cursor.IsInitial() {
		n, err := strconv.Atoi(cursor.String())
		if err != nil {
			return types.ChangeSet{}, cursor, errors.Wrap(err, "memory adapter: malformed cursor")
		}
		from = n
	}

	var cs types.ChangeSet
	maxSeq := from
	for _, e := range a.entries {
		if e.seq <= from {
			continue
		}
		if e.seq > maxSeq {
			maxSeq = e.seq
		}
		if e.deleted {
			cs.Deletes = append(cs.Deletes, e.id)
		} else {
			cs.Upserts = append(cs.Upserts, types.Record{ID: e.id, Fields: e.fields})
		}
	}

	next := types.NewCursor(strconv.Itoa(maxSeq))
	return cs, next, nil
}

// ApplyChanges implements types.Adapter.
func (a *Adapter) ApplyChanges(_ context.Context, changes types.ChangeSet) error {
	a.mu.Lock()
	if a.ApplyErr != nil && a.ApplyErrCount != 0 {
		err := a.ApplyErr
		if a.ApplyErrCount > 0 {
			a.ApplyErrCount--
		}
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	for _, rec := range changes.Upserts {
		a.Seed(rec.ID, rec.Fields)
	}
	for _, id := range changes.Deletes {
		a.Delete(id)
	}
	return nil
}

// SerializeCursor implements types.Adapter.
func (a *Adapter) SerializeCursor(cursor types.Cursor) (string, error) {
	return cursor.String(), nil
}

// DeserializeCursor implements types.Adapter.
func (a *Adapter) DeserializeCursor(token string) (types.Cursor, error) {
	if token == "" {
		return types.Cursor{}, nil
	}
	return types.NewCursor(token), nil
}

var _ types.Adapter = (*Adapter)(nil)
