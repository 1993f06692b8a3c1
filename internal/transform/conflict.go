package transform

import (
	"context"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
)

// Policy selects how the conflict resolver handles a record changed
// on both sides in the same cycle.
type Policy string

const (
	// PolicyLastWriterWins propagates whichever side's extractable
	// timestamp is newer, ties going to the source.
	PolicyLastWriterWins Policy = "last_writer_wins"
	// PolicyManual records the conflict for an operator and never
	// propagates either side's change automatically.
	PolicyManual Policy = "manual"
)

// DefaultPolicy is the reference default.
const DefaultPolicy = PolicyLastWriterWins

// timestampFields is the field-name priority list used to find an
// updatedAt-class value on a record; the first present field whose
// value converts to a timestamp wins, and a present field that does not
// convert is skipped in favour of the next one.
var timestampFields = []string{
	"updatedAt", "updated_at", "updatedOn", "updated_on",
	"lastModified", "last_modified", "modifiedAt", "modified_at",
}

func extractTimestamp(fields map[string]any) (time.Time, bool) {
	for _, key := range timestampFields {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if ts, ok := toTime(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case float64:
		return time.UnixMilli(int64(val)).UTC(), true
	case int64:
		return time.UnixMilli(val).UTC(), true
	case int:
		return time.UnixMilli(int64(val)).UTC(), true
	case string:
		t, err := dateparse.ParseAny(val)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

type resolution int

const (
	resolvePush resolution = iota
	resolveSkip
)

// resolveConflict decides whether srcPayload should propagate to
// destPayload's record, per the policy in effect. A manual resolution
// always records a conflict and skips.
func resolveConflict(
	ctx context.Context,
	idx linkindex.LinkIndex,
	policy Policy,
	jobID string,
	src, dest linkindex.Tuple,
	srcPayload, destPayload map[string]any,
) (resolution, error) {
	if policy == PolicyManual {
		c := linkindex.Conflict{
			ConflictID:  uuid.NewString(),
			JobID:       jobID,
			Src:         src,
			Dest:        dest,
			SrcPayload:  srcPayload,
			DestPayload: destPayload,
			DetectedAt:  time.Now().UTC(),
		}
		if err := idx.InsertConflict(ctx, c); err != nil {
			return resolveSkip, errors.WithStack(err)
		}
		return resolveSkip, nil
	}

	srcTS, srcOK := extractTimestamp(srcPayload)
	destTS, destOK := extractTimestamp(destPayload)
	if !srcOK || !destOK {
		// Either side lacks an extractable timestamp: source wins.
		return resolvePush, nil
	}
	if srcTS.Before(destTS) {
		return resolveSkip, nil
	}
	return resolvePush, nil
}
