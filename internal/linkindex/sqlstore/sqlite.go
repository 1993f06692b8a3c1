// Package sqlstore provides the two durable linkindex.LinkIndex
// backends described in spec section 6: SQLite (the default) and
// Postgres/CockroachDB (for shared deployments). Both follow the raw
// SQL, explicit-transaction idiom of resolved_table.go/sink.go rather
// than an ORM, passing values through driver placeholders.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the "sqlite3" driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
)

// SQLite is a linkindex.LinkIndex backed by a single SQLite database
// file, using database/sql + mattn/go-sqlite3.
type SQLite struct {
	db *sql.DB
}

var _ linkindex.LinkIndex = (*SQLite)(nil)

// OpenSQLite opens (creating if absent) the SQLite database at path
// and ensures the link-index schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, func(), error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	// SQLite only tolerates one writer; a single connection avoids
	// SQLITE_BUSY under concurrent cycles driven from the same
	// process.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("could not close sqlite link index")
		}
	}, nil
}

func (s *SQLite) createSchema(ctx context.Context) error {
	for _, stmt := range []string{
		sqliteSchema.links, sqliteSchema.cursors, sqliteSchema.jobs,
		sqliteSchema.runs, sqliteSchema.conflicts,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// UpsertLink implements linkindex.LinkIndex.
func (s *SQLite) UpsertLink(ctx context.Context, src, dest linkindex.Tuple) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range []linkindex.Tuple{src, dest} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM links WHERE (src_adapter=? AND src_table=? AND src_id=?)
			    OR (dest_adapter=? AND dest_table=? AND dest_id=?)`,
			t.Adapter, t.Table, t.ID, t.Adapter, t.Table, t.ID,
		); err != nil {
			return errors.WithStack(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO links
			(src_adapter, src_table, src_id, dest_adapter, dest_table, dest_id, last_sync_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.Adapter, src.Table, src.ID, dest.Adapter, dest.Table, dest.ID, time.Now().UTC(),
	); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(tx.Commit())
}

// findPartner returns the id linked to x, regardless of whether x was
// stored as a link's src or dest at creation time: invariant L1
// requires a lookup from either side to yield the other.
func (s *SQLite) findPartner(ctx context.Context, x linkindex.Tuple) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT dest_id FROM links WHERE src_adapter=? AND src_table=? AND src_id=?
		 UNION ALL
		 SELECT src_id FROM links WHERE dest_adapter=? AND dest_table=? AND dest_id=?
		 LIMIT 1`,
		x.Adapter, x.Table, x.ID, x.Adapter, x.Table, x.ID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", linkindex.ErrNotFound
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return id, nil
}

// FindDest implements linkindex.LinkIndex.
func (s *SQLite) FindDest(ctx context.Context, src linkindex.Tuple) (string, error) {
	return s.findPartner(ctx, src)
}

// FindSource implements linkindex.LinkIndex.
func (s *SQLite) FindSource(ctx context.Context, dest linkindex.Tuple) (string, error) {
	return s.findPartner(ctx, dest)
}

// LoadCursor implements linkindex.LinkIndex.
func (s *SQLite) LoadCursor(ctx context.Context, job, adapter, table string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_token FROM cursors WHERE job_id=? AND adapter=? AND table_name=?`,
		job, adapter, table,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return token, nil
}

// SaveCursor implements linkindex.LinkIndex.
func (s *SQLite) SaveCursor(ctx context.Context, job, adapter, table, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (job_id, adapter, table_name, cursor_token)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, adapter, table_name)
		 DO UPDATE SET cursor_token=excluded.cursor_token`,
		job, adapter, table, token,
	)
	return errors.WithStack(err)
}

// IsJobDisabled implements linkindex.LinkIndex.
func (s *SQLite) IsJobDisabled(ctx context.Context, job string) (bool, error) {
	var disabledAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT disabled_at FROM jobs WHERE job_id=?`, job,
	).Scan(&disabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return disabledAt.Valid, nil
}

// SetJobDisabled implements linkindex.LinkIndex.
func (s *SQLite) SetJobDisabled(ctx context.Context, job string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, disabled_at) VALUES (?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET disabled_at=excluded.disabled_at`,
		job, ts,
	)
	return errors.WithStack(err)
}

// IncrementFailCount implements linkindex.LinkIndex.
func (s *SQLite) IncrementFailCount(ctx context.Context, job, adapter, table string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cursors (job_id, adapter, table_name, fail_count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (job_id, adapter, table_name)
		 DO UPDATE SET fail_count = fail_count + 1`,
		job, adapter, table,
	); err != nil {
		return 0, errors.WithStack(err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT fail_count FROM cursors WHERE job_id=? AND adapter=? AND table_name=?`,
		job, adapter, table,
	).Scan(&count); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

// ResetFailCount implements linkindex.LinkIndex.
func (s *SQLite) ResetFailCount(ctx context.Context, job, adapter, table string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (job_id, adapter, table_name, fail_count)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (job_id, adapter, table_name)
		 DO UPDATE SET fail_count=0`,
		job, adapter, table,
	)
	return errors.WithStack(err)
}

// GetFailCount implements linkindex.LinkIndex.
func (s *SQLite) GetFailCount(ctx context.Context, job, adapter, table string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT fail_count FROM cursors WHERE job_id=? AND adapter=? AND table_name=?`,
		job, adapter, table,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

// InsertConflict implements linkindex.LinkIndex.
func (s *SQLite) InsertConflict(ctx context.Context, c linkindex.Conflict) error {
	srcPayload, err := json.Marshal(c.SrcPayload)
	if err != nil {
		return errors.WithStack(err)
	}
	destPayload, err := json.Marshal(c.DestPayload)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts
			(conflict_id, job_id, src_adapter, src_table, src_id,
			 dest_adapter, dest_table, dest_id, src_payload, dest_payload, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConflictID, c.JobID,
		c.Src.Adapter, c.Src.Table, c.Src.ID,
		c.Dest.Adapter, c.Dest.Table, c.Dest.ID,
		string(srcPayload), string(destPayload), c.DetectedAt,
	)
	return errors.WithStack(err)
}

// GetConflicts implements linkindex.LinkIndex.
func (s *SQLite) GetConflicts(ctx context.Context, job string) ([]linkindex.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conflict_id, job_id, src_adapter, src_table, src_id,
			dest_adapter, dest_table, dest_id, src_payload, dest_payload, detected_at
		 FROM conflicts WHERE job_id=?`, job,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var ret []linkindex.Conflict
	for rows.Next() {
		var c linkindex.Conflict
		var srcPayload, destPayload string
		if err := rows.Scan(
			&c.ConflictID, &c.JobID,
			&c.Src.Adapter, &c.Src.Table, &c.Src.ID,
			&c.Dest.Adapter, &c.Dest.Table, &c.Dest.ID,
			&srcPayload, &destPayload, &c.DetectedAt,
		); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal([]byte(srcPayload), &c.SrcPayload); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal([]byte(destPayload), &c.DestPayload); err != nil {
			return nil, errors.WithStack(err)
		}
		ret = append(ret, c)
	}
	return ret, errors.WithStack(rows.Err())
}

// ResolveConflict implements linkindex.LinkIndex.
func (s *SQLite) ResolveConflict(ctx context.Context, conflictID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE conflict_id=?`, conflictID)
	return errors.WithStack(err)
}

// InsertRun implements linkindex.LinkIndex.
func (s *SQLite) InsertRun(ctx context.Context, r linkindex.RunSummary) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_id, started_at, ended_at, status, summary_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.JobID, r.StartedAt, r.EndedAt, string(r.Status), string(summary),
	)
	return errors.WithStack(err)
}
