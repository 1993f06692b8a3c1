// Package memory provides an in-process LinkIndex backed by plain Go
// maps behind a single mutex. It is the default store for tests and
// for single-process deployments with no durability requirement; see
// internal/linkindex/sqlstore for the durable SQLite/Postgres
// backends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
)

type cursorKey struct {
	job, adapter, table string
}

type jobSide struct {
	cursor    string
	failCount int
}

// Store is an in-memory linkindex.LinkIndex. The zero value is not
// usable; call New.
type Store struct {
	mu sync.Mutex

	// links is keyed by the source tuple; dests maps the reverse
	// direction so FindSource is constant-time too.
	links map[linkindex.Tuple]linkindex.Tuple
	dests map[linkindex.Tuple]linkindex.Tuple

	sides    map[cursorKey]*jobSide
	disabled map[string]time.Time

	conflicts map[string]linkindex.Conflict
	runs      []linkindex.RunSummary
}

var _ linkindex.LinkIndex = (*Store)(nil)

// New returns an empty in-memory link index.
func New() *Store {
	return &Store{
		links:     make(map[linkindex.Tuple]linkindex.Tuple),
		dests:     make(map[linkindex.Tuple]linkindex.Tuple),
		sides:     make(map[cursorKey]*jobSide),
		disabled:  make(map[string]time.Time),
		conflicts: make(map[string]linkindex.Conflict),
	}
}

// removeBinding deletes whatever link tuple x participates in,
// whichever role (src or dest) it was stored under, along with its
// partner's reverse entry. Callers hold s.mu.
func (s *Store) removeBinding(x linkindex.Tuple) {
	if partner, ok := s.links[x]; ok {
		delete(s.links, x)
		delete(s.dests, partner)
		return
	}
	if partner, ok := s.dests[x]; ok {
		delete(s.dests, x)
		delete(s.links, partner)
	}
}

// findPartner returns the tuple linked to x, regardless of whether x
// was stored as the link's src or dest at creation time: invariant L1
// requires a lookup from either side to yield the other.
func (s *Store) findPartner(x linkindex.Tuple) (linkindex.Tuple, bool) {
	if partner, ok := s.links[x]; ok {
		return partner, true
	}
	if partner, ok := s.dests[x]; ok {
		return partner, true
	}
	return linkindex.Tuple{}, false
}

// UpsertLink implements linkindex.LinkIndex.
func (s *Store) UpsertLink(_ context.Context, src, dest linkindex.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Break any previous binding touching either tuple before
	// installing the new one, so no half-link survives.
	s.removeBinding(src)
	s.removeBinding(dest)

	s.links[src] = dest
	s.dests[dest] = src
	return nil
}

// FindDest implements linkindex.LinkIndex.
func (s *Store) FindDest(_ context.Context, src linkindex.Tuple) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partner, ok := s.findPartner(src)
	if !ok {
		return "", linkindex.ErrNotFound
	}
	return partner.ID, nil
}

// FindSource implements linkindex.LinkIndex.
func (s *Store) FindSource(_ context.Context, dest linkindex.Tuple) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partner, ok := s.findPartner(dest)
	if !ok {
		return "", linkindex.ErrNotFound
	}
	return partner.ID, nil
}

func (s *Store) side(job, adapter, table string) *jobSide {
	key := cursorKey{job, adapter, table}
	js, ok := s.sides[key]
	if !ok {
		js = &jobSide{}
		s.sides[key] = js
	}
	return js
}

// LoadCursor implements linkindex.LinkIndex.
func (s *Store) LoadCursor(_ context.Context, job, adapter, table string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.side(job, adapter, table).cursor, nil
}

// SaveCursor implements linkindex.LinkIndex.
func (s *Store) SaveCursor(_ context.Context, job, adapter, table, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.side(job, adapter, table).cursor = token
	return nil
}

// IsJobDisabled implements linkindex.LinkIndex.
func (s *Store) IsJobDisabled(_ context.Context, job string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.disabled[job]
	return ok, nil
}

// SetJobDisabled implements linkindex.LinkIndex.
func (s *Store) SetJobDisabled(_ context.Context, job string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disabled[job] = ts
	return nil
}

// IncrementFailCount implements linkindex.LinkIndex.
func (s *Store) IncrementFailCount(_ context.Context, job, adapter, table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js := s.side(job, adapter, table)
	js.failCount++
	return js.failCount, nil
}

// ResetFailCount implements linkindex.LinkIndex.
func (s *Store) ResetFailCount(_ context.Context, job, adapter, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.side(job, adapter, table).failCount = 0
	return nil
}

// GetFailCount implements linkindex.LinkIndex.
func (s *Store) GetFailCount(_ context.Context, job, adapter, table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.side(job, adapter, table).failCount, nil
}

// InsertConflict implements linkindex.LinkIndex.
func (s *Store) InsertConflict(_ context.Context, c linkindex.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts[c.ConflictID] = c
	return nil
}

// GetConflicts implements linkindex.LinkIndex.
func (s *Store) GetConflicts(_ context.Context, job string) ([]linkindex.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ret []linkindex.Conflict
	for _, c := range s.conflicts {
		if c.JobID == job {
			ret = append(ret, c)
		}
	}
	return ret, nil
}

// ResolveConflict implements linkindex.LinkIndex. Deleting an absent
// id is a no-op, making the call idempotent.
func (s *Store) ResolveConflict(_ context.Context, conflictID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conflicts, conflictID)
	return nil
}

// InsertRun implements linkindex.LinkIndex.
func (s *Store) InsertRun(_ context.Context, r linkindex.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, r)
	return nil
}

// Runs returns a copy of every run summary recorded so far, in
// insertion order. It exists to let tests assert on run history; it is
// not part of the linkindex.LinkIndex contract.
func (s *Store) Runs() []linkindex.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]linkindex.RunSummary, len(s.runs))
	copy(ret, s.runs)
	return ret
}
