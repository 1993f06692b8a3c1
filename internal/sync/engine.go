// Package sync implements the sync engine (C5): one job's
// pull/transform/push/persist cycle, its retry and batching, and the
// failure accounting that disables a job after sustained failure.
package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
	"github.com/scottthesecond/sync-frame/internal/throttle"
	"github.com/scottthesecond/sync-frame/internal/transform"
	"github.com/scottthesecond/sync-frame/internal/types"
)

const (
	sideALabel = "side A"
	sideBLabel = "side B"
)

// Job describes one sync job: two sides, the mapper between them, the
// backing link index, and the per-side throttle/retry/conflict
// configuration.
type Job struct {
	ID string

	SideA types.Side
	SideB types.Side

	// Mapper translates A-shaped records to B-shaped (ToDest) and
	// B-shaped records to A-shaped (ToSource).
	Mapper types.Mapper

	LinkIndex linkindex.LinkIndex

	ThrottleA *throttle.Throttler
	ThrottleB *throttle.Throttler

	BatchSizeA int
	BatchSizeB int

	Retry          RetryConfig
	ConflictPolicy transform.Policy
}

// Engine runs cycles for a single Job.
type Engine struct {
	job Job
}

// New returns an Engine for job, filling in any zero-valued
// configuration with the package defaults.
func New(job Job) *Engine {
	if job.ThrottleA == nil {
		job.ThrottleA = throttle.New(throttle.DefaultConfig())
	}
	if job.ThrottleB == nil {
		job.ThrottleB = throttle.New(throttle.DefaultConfig())
	}
	if job.BatchSizeA <= 0 {
		job.BatchSizeA = throttle.DefaultConfig().BatchSize
	}
	if job.BatchSizeB <= 0 {
		job.BatchSizeB = throttle.DefaultConfig().BatchSize
	}
	if job.Retry == (RetryConfig{}) {
		job.Retry = DefaultRetryConfig()
	}
	if job.ConflictPolicy == "" {
		job.ConflictPolicy = transform.DefaultPolicy
	}
	return &Engine{job: job}
}

// stats accumulates the counters that make up a RunSummary.
type stats struct {
	UpsertsAtoB int      `json:"upsertsAtoB"`
	UpsertsBtoA int      `json:"upsertsBtoA"`
	DeletesAtoB int      `json:"deletesAtoB"`
	DeletesBtoA int      `json:"deletesBtoA"`
	Retries     int      `json:"retries"`
	Conflicts   int      `json:"conflicts"`
	Errors      []string `json:"errors,omitempty"`
}

func (s stats) progressed() bool {
	return s.UpsertsAtoB+s.UpsertsBtoA+s.DeletesAtoB+s.DeletesBtoA > 0
}

func toMap(s stats) map[string]any {
	return map[string]any{
		"upsertsAtoB": s.UpsertsAtoB,
		"upsertsBtoA": s.UpsertsBtoA,
		"deletesAtoB": s.DeletesAtoB,
		"deletesBtoA": s.DeletesBtoA,
		"retries":     s.Retries,
		"conflicts":   s.Conflicts,
		"errors":      s.Errors,
	}
}

// Run executes one cycle and returns its RunSummary. Run never
// returns an error for ordinary job failures (pull/push/disablement);
// those are captured in the returned summary. A non-nil error
// means a link-index operation outside the transform stage (loading
// or saving cursors, installing links, fail-count bookkeeping,
// recording the run) or a cursor deserialization failed; the cycle
// then returns without recording a run summary.
func (e *Engine) Run(ctx context.Context) (linkindex.RunSummary, error) {
	job := e.job
	started := time.Now().UTC()
	logger := log.WithFields(log.Fields{"job": job.ID})

	disabled, err := job.LinkIndex.IsJobDisabled(ctx, job.ID)
	if err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	if disabled {
		logger.Debug("job disabled, skipping cycle")
		return e.finish(ctx, started, stats{Errors: []string{"job_disabled"}}, linkindex.RunFailed, nil)
	}

	cursorAToken, err := job.LinkIndex.LoadCursor(ctx, job.ID, job.SideA.AdapterName, job.SideA.Table)
	if err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	cursorBToken, err := job.LinkIndex.LoadCursor(ctx, job.ID, job.SideB.AdapterName, job.SideB.Table)
	if err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	cursorA, err := job.SideA.Adapter.DeserializeCursor(cursorAToken)
	if err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	cursorB, err := job.SideB.Adapter.DeserializeCursor(cursorBToken)
	if err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}

	changesA, nextCursorA, changesB, nextCursorB, pullErr := e.pull(ctx, cursorA, cursorB)
	if pullErr != nil {
		logger.WithError(pullErr).Warn("pull failed, aborting cycle")
		return e.fail(ctx, started, stats{Errors: []string{pullErr.Error()}}, []error{pullErr})
	}

	st := stats{}
	pushed := make(map[string]struct{})

	resAtoB, mapperErrsAB, terr := transform.Run(ctx, job.ID, job.LinkIndex, job.ConflictPolicy,
		transform.Direction{Src: job.SideA, Dest: job.SideB, Mapper: job.Mapper},
		changesA, changesB, pushed)
	if terr != nil {
		return e.fail(ctx, started, stats{Errors: []string{terr.Error()}}, []error{terr})
	}
	for _, me := range mapperErrsAB {
		st.Errors = append(st.Errors, me.Error())
	}

	resBtoA, mapperErrsBA, terr := transform.Run(ctx, job.ID, job.LinkIndex, job.ConflictPolicy,
		transform.Direction{Src: job.SideB, Dest: job.SideA, Mapper: reverseMapper{job.Mapper}},
		changesB, changesA, pushed)
	if terr != nil {
		return e.fail(ctx, started, stats{Errors: []string{terr.Error()}}, []error{terr})
	}
	for _, me := range mapperErrsBA {
		st.Errors = append(st.Errors, me.Error())
	}

	var abortErrs []error

	if !resAtoB.Mapped.Empty() {
		if err := e.push(ctx, job.SideB.Adapter, job.ThrottleB, job.BatchSizeB, resAtoB.Mapped, &st.Retries); err != nil {
			wrapped := errors.WithMessage(err, sideBLabel+": push A->B failed after retries")
			st.Errors = append(st.Errors, wrapped.Error())
			abortErrs = append(abortErrs, wrapped)
		} else {
			st.UpsertsAtoB += len(resAtoB.Mapped.Upserts)
			st.DeletesAtoB += len(resAtoB.Mapped.Deletes)
			if err := e.persistLinks(ctx, job.SideA, job.SideB, resAtoB.LinkMap); err != nil {
				return linkindex.RunSummary{}, errors.WithStack(err)
			}
		}
	}

	if !resBtoA.Mapped.Empty() {
		if err := e.push(ctx, job.SideA.Adapter, job.ThrottleA, job.BatchSizeA, resBtoA.Mapped, &st.Retries); err != nil {
			wrapped := errors.WithMessage(err, sideALabel+": push B->A failed after retries")
			st.Errors = append(st.Errors, wrapped.Error())
			abortErrs = append(abortErrs, wrapped)
		} else {
			st.UpsertsBtoA += len(resBtoA.Mapped.Upserts)
			st.DeletesBtoA += len(resBtoA.Mapped.Deletes)
			if err := e.persistLinks(ctx, job.SideB, job.SideA, resBtoA.LinkMap); err != nil {
				return linkindex.RunSummary{}, errors.WithStack(err)
			}
		}
	}

	if len(abortErrs) > 0 {
		return e.fail(ctx, started, st, abortErrs)
	}

	if err := job.LinkIndex.SaveCursor(ctx, job.ID, job.SideA.AdapterName, job.SideA.Table, mustSerialize(job.SideA.Adapter, nextCursorA)); err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	if err := job.LinkIndex.SaveCursor(ctx, job.ID, job.SideB.AdapterName, job.SideB.Table, mustSerialize(job.SideB.Adapter, nextCursorB)); err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	if err := job.LinkIndex.ResetFailCount(ctx, job.ID, job.SideA.AdapterName, job.SideA.Table); err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	if err := job.LinkIndex.ResetFailCount(ctx, job.ID, job.SideB.AdapterName, job.SideB.Table); err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}

	status := linkindex.RunSuccess
	if len(st.Errors) > 0 {
		status = linkindex.RunPartial
		if !st.progressed() {
			status = linkindex.RunFailed
		}
	}
	return e.finish(ctx, started, st, status, nil)
}

func mustSerialize(adapter types.Adapter, cursor types.Cursor) string {
	token, err := adapter.SerializeCursor(cursor)
	if err != nil {
		// SerializeCursor on a cursor this same adapter just produced
		// is not expected to fail; fall back to the raw token form.
		return cursor.String()
	}
	return token
}

// pull runs both sides' GetUpdates concurrently.
func (e *Engine) pull(ctx context.Context, cursorA, cursorB types.Cursor) (
	changesA types.ChangeSet, nextA types.Cursor,
	changesB types.ChangeSet, nextB types.Cursor,
	err error,
) {
	job := e.job
	var wg sync.WaitGroup
	var errA, errB error

	wg.Add(2)
	go func() {
		defer wg.Done()
		changesA, nextA, errA = job.SideA.Adapter.GetUpdates(ctx, cursorA)
	}()
	go func() {
		defer wg.Done()
		changesB, nextB, errB = job.SideB.Adapter.GetUpdates(ctx, cursorB)
	}()
	wg.Wait()

	if errA != nil {
		return types.ChangeSet{}, types.Cursor{}, types.ChangeSet{}, types.Cursor{}, errors.WithMessage(errA, sideALabel+": getUpdates failed")
	}
	if errB != nil {
		return types.ChangeSet{}, types.Cursor{}, types.ChangeSet{}, types.Cursor{}, errors.WithMessage(errB, sideBLabel+": getUpdates failed")
	}
	return changesA, nextA, changesB, nextB, nil
}

// push chunks changes into batchSize slices and applies each with
// retry, in order.
func (e *Engine) push(ctx context.Context, adapter types.Adapter, thr *throttle.Throttler, batchSize int, changes types.ChangeSet, retries *int) error {
	for _, batch := range chunkUpserts(changes.Upserts, batchSize) {
		if err := applyWithRetry(ctx, adapter, thr, e.job.Retry, types.ChangeSet{Upserts: batch}, retries); err != nil {
			return err
		}
	}
	for _, batch := range chunkDeletes(changes.Deletes, batchSize) {
		if err := applyWithRetry(ctx, adapter, thr, e.job.Retry, types.ChangeSet{Deletes: batch}, retries); err != nil {
			return err
		}
	}
	return nil
}

func chunkUpserts(recs []types.Record, size int) [][]types.Record {
	if size <= 0 {
		size = 1
	}
	var out [][]types.Record
	for i := 0; i < len(recs); i += size {
		end := i + size
		if end > len(recs) {
			end = len(recs)
		}
		out = append(out, recs[i:end])
	}
	return out
}

func chunkDeletes(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func (e *Engine) persistLinks(ctx context.Context, src, dest types.Side, linkMap map[string]string) error {
	for srcID, destID := range linkMap {
		srcTuple := linkindex.Tuple{Adapter: src.AdapterName, Table: src.Table, ID: srcID}
		destTuple := linkindex.Tuple{Adapter: dest.AdapterName, Table: dest.Table, ID: destID}
		if err := e.job.LinkIndex.UpsertLink(ctx, srcTuple, destTuple); err != nil {
			return err
		}
	}
	return nil
}

// fail runs the failure accounting path: attribute abortErrs to a
// side, bump that side's fail count, disable the job if warranted,
// and persist a non-success run summary. It never saves cursors or
// resets fail counts.
func (e *Engine) fail(ctx context.Context, started time.Time, st stats, abortErrs []error) (linkindex.RunSummary, error) {
	job := e.job
	var touchA, touchB bool
	for _, err := range abortErrs {
		a, b := attributeSides(err.Error())
		touchA = touchA || a
		touchB = touchB || b
	}
	if !touchA && !touchB {
		touchA, touchB = true, true
	}

	if touchA {
		count, err := job.LinkIndex.IncrementFailCount(ctx, job.ID, job.SideA.AdapterName, job.SideA.Table)
		if err != nil {
			return linkindex.RunSummary{}, errors.WithStack(err)
		}
		if count >= job.Retry.DisableJobAfter {
			if err := job.LinkIndex.SetJobDisabled(ctx, job.ID, time.Now().UTC()); err != nil {
				return linkindex.RunSummary{}, errors.WithStack(err)
			}
		}
	}
	if touchB {
		count, err := job.LinkIndex.IncrementFailCount(ctx, job.ID, job.SideB.AdapterName, job.SideB.Table)
		if err != nil {
			return linkindex.RunSummary{}, errors.WithStack(err)
		}
		if count >= job.Retry.DisableJobAfter {
			if err := job.LinkIndex.SetJobDisabled(ctx, job.ID, time.Now().UTC()); err != nil {
				return linkindex.RunSummary{}, errors.WithStack(err)
			}
		}
	}

	status := linkindex.RunFailed
	if st.progressed() {
		status = linkindex.RunPartial
	}
	return e.finish(ctx, started, st, status, nil)
}

func (e *Engine) finish(ctx context.Context, started time.Time, st stats, status linkindex.RunStatus, _ error) (linkindex.RunSummary, error) {
	summary := linkindex.RunSummary{
		RunID:     uuid.NewString(),
		JobID:     e.job.ID,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Status:    status,
		Summary:   toMap(st),
	}
	if err := e.job.LinkIndex.InsertRun(ctx, summary); err != nil {
		return linkindex.RunSummary{}, errors.WithStack(err)
	}
	return summary, nil
}

// attributeSides classifies an error message per the pragmatic
// substring rule in section 4.5: a message naming only one side
// attributes to that side; an unattributed message touches both.
func attributeSides(msg string) (a, b bool) {
	hasA := strings.Contains(msg, "side A") || strings.Contains(msg, "sideA")
	hasB := strings.Contains(msg, "side B") || strings.Contains(msg, "sideB")
	if !hasA && !hasB {
		return true, true
	}
	return hasA, hasB
}

// reverseMapper swaps ToDest/ToSource so transform.Run's single
// dir.Mapper.ToDest call can drive the B->A pass with the same Mapper
// a job configures for A->B.
type reverseMapper struct {
	m types.Mapper
}

func (r reverseMapper) ToDest(rec types.Record) (types.Record, error)   { return r.m.ToSource(rec) }
func (r reverseMapper) ToSource(rec types.Record) (types.Record, error) { return r.m.ToDest(rec) }

var _ types.Mapper = reverseMapper{}
