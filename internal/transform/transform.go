// Package transform implements the map/dedup/conflict stage (C4): for
// one direction of one cycle, it turns a source changeset into a
// push-ready destination changeset plus the links to install once the
// push succeeds.
package transform

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
	"github.com/scottthesecond/sync-frame/internal/types"
)

// Direction pairs a source and destination Side with the mapper that
// translates records between them.
type Direction struct {
	Src    types.Side
	Dest   types.Side
	Mapper types.Mapper
}

// Result is the output of one direction's transform pass.
type Result struct {
	Mapped  types.ChangeSet
	LinkMap map[string]string // src id -> dest id, to install on push success
}

func srcTuple(d Direction, id string) linkindex.Tuple {
	return linkindex.Tuple{Adapter: d.Src.AdapterName, Table: d.Src.Table, ID: id}
}

func destTuple(d Direction, id string) linkindex.Tuple {
	return linkindex.Tuple{Adapter: d.Dest.AdapterName, Table: d.Dest.Table, ID: id}
}

// Run applies section 4.4's algorithm to srcChanges, consulting
// destChanges only for conflict detection. pushed is the cycle-shared
// pushedThisCycle set; Run both reads and mutates it. mapperErrs
// collects non-fatal per-record mapper failures; a non-nil error
// return means an aborting failure (link-index I/O) occurred.
func Run(
	ctx context.Context,
	jobID string,
	idx linkindex.LinkIndex,
	policy Policy,
	dir Direction,
	srcChanges, destChanges types.ChangeSet,
	pushed map[string]struct{},
) (Result, []error, error) {
	res := Result{LinkMap: make(map[string]string)}
	var mapperErrs []error

	destUpsertByID := make(map[string]types.Record, len(destChanges.Upserts))
	for _, r := range destChanges.Upserts {
		destUpsertByID[r.ID] = r
	}

	for _, srcRec := range srcChanges.Upserts {
		if _, ok := pushed[srcRec.ID]; ok {
			continue
		}

		destRec, mErr := dir.Mapper.ToDest(srcRec)
		if mErr != nil {
			mapperErrs = append(mapperErrs, errors.Wrapf(mErr, "mapper: toDest(%s)", srcRec.ID))
			continue
		}

		existingSrc, ferr := idx.FindSource(ctx, destTuple(dir, destRec.ID))
		switch {
		case ferr == nil:
			if existingSrc == srcRec.ID {
				// This destination record is our own earlier write
				// being reported back; not a new change.
				continue
			}
		case errors.Is(ferr, linkindex.ErrNotFound):
			// No link yet; proceed.
		default:
			return res, mapperErrs, errors.WithStack(ferr)
		}

		existingDest, ferr := idx.FindDest(ctx, srcTuple(dir, srcRec.ID))
		switch {
		case ferr == nil:
			if conflictingDest, ok := destUpsertByID[existingDest]; ok {
				verdict, cerr := resolveConflict(ctx, idx, policy, jobID,
					srcTuple(dir, srcRec.ID), destTuple(dir, existingDest),
					srcRec.Fields, conflictingDest.Fields)
				if cerr != nil {
					return res, mapperErrs, cerr
				}
				if verdict == resolveSkip {
					pushed[srcRec.ID] = struct{}{}
					continue
				}
			}
			destRec.ID = existingDest
			res.Mapped.Upserts = append(res.Mapped.Upserts, destRec)
			res.LinkMap[srcRec.ID] = existingDest
		case errors.Is(ferr, linkindex.ErrNotFound):
			res.Mapped.Upserts = append(res.Mapped.Upserts, destRec)
			res.LinkMap[srcRec.ID] = destRec.ID
		default:
			return res, mapperErrs, errors.WithStack(ferr)
		}

		pushed[srcRec.ID] = struct{}{}
	}

	for _, srcID := range srcChanges.Deletes {
		if _, ok := pushed[srcID]; ok {
			continue
		}
		existingDest, ferr := idx.FindDest(ctx, srcTuple(dir, srcID))
		if errors.Is(ferr, linkindex.ErrNotFound) {
			continue
		}
		if ferr != nil {
			return res, mapperErrs, errors.WithStack(ferr)
		}
		res.Mapped.Deletes = append(res.Mapped.Deletes, existingDest)
		pushed[srcID] = struct{}{}
	}

	return res, mapperErrs, nil
}
