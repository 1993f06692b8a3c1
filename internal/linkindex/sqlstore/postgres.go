package sqlstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
)

// Postgres is a linkindex.LinkIndex backed by a CockroachDB or
// PostgreSQL cluster via a pgxpool.Pool, for shared deployments where
// more than one host needs to read the index (spec section 6).
type Postgres struct {
	pool *pgxpool.Pool
}

var _ linkindex.LinkIndex = (*Postgres)(nil)

// OpenPostgres connects to connString and ensures the link-index
// schema exists.
func OpenPostgres(ctx context.Context, connString string) (*Postgres, func(), error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	p := &Postgres{pool: pool}
	if err := p.createSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return p, func() {
		pool.Close()
		log.Debug("closed postgres link index pool")
	}, nil
}

func (p *Postgres) createSchema(ctx context.Context) error {
	for _, stmt := range []string{
		postgresSchema.links, postgresSchema.cursors, postgresSchema.jobs,
		postgresSchema.runs, postgresSchema.conflicts,
	} {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// UpsertLink implements linkindex.LinkIndex.
func (p *Postgres) UpsertLink(ctx context.Context, src, dest linkindex.Tuple) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range []linkindex.Tuple{src, dest} {
		if _, err := tx.Exec(ctx,
			`DELETE FROM links WHERE (src_adapter=$1 AND src_table=$2 AND src_id=$3)
			    OR (dest_adapter=$1 AND dest_table=$2 AND dest_id=$3)`,
			t.Adapter, t.Table, t.ID,
		); err != nil {
			return errors.WithStack(err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO links
			(src_adapter, src_table, src_id, dest_adapter, dest_table, dest_id, last_sync_ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		src.Adapter, src.Table, src.ID, dest.Adapter, dest.Table, dest.ID, time.Now().UTC(),
	); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(tx.Commit(ctx))
}

// FindDest implements linkindex.LinkIndex.
func (p *Postgres) FindDest(ctx context.Context, src linkindex.Tuple) (string, error) {
	var destID string
	err := p.pool.QueryRow(ctx,
		`SELECT dest_id FROM links WHERE src_adapter=$1 AND src_table=$2 AND src_id=$3
		 UNION ALL
		 SELECT src_id FROM links WHERE dest_adapter=$1 AND dest_table=$2 AND dest_id=$3
		 LIMIT 1`,
		src.Adapter, src.Table, src.ID,
	).Scan(&destID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", linkindex.ErrNotFound
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return destID, nil
}

// FindSource implements linkindex.LinkIndex.
func (p *Postgres) FindSource(ctx context.Context, dest linkindex.Tuple) (string, error) {
	var srcID string
	err := p.pool.QueryRow(ctx,
		`SELECT src_id FROM links WHERE dest_adapter=$1 AND dest_table=$2 AND dest_id=$3
		 UNION ALL
		 SELECT dest_id FROM links WHERE src_adapter=$1 AND src_table=$2 AND src_id=$3
		 LIMIT 1`,
		dest.Adapter, dest.Table, dest.ID,
	).Scan(&srcID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", linkindex.ErrNotFound
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return srcID, nil
}

// LoadCursor implements linkindex.LinkIndex.
func (p *Postgres) LoadCursor(ctx context.Context, job, adapter, table string) (string, error) {
	var token string
	err := p.pool.QueryRow(ctx,
		`SELECT cursor_token FROM cursors WHERE job_id=$1 AND adapter=$2 AND table_name=$3`,
		job, adapter, table,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return token, nil
}

// SaveCursor implements linkindex.LinkIndex.
func (p *Postgres) SaveCursor(ctx context.Context, job, adapter, table, token string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cursors (job_id, adapter, table_name, cursor_token)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id, adapter, table_name)
		 DO UPDATE SET cursor_token = excluded.cursor_token`,
		job, adapter, table, token,
	)
	return errors.WithStack(err)
}

// IsJobDisabled implements linkindex.LinkIndex.
func (p *Postgres) IsJobDisabled(ctx context.Context, job string) (bool, error) {
	var disabledAt *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT disabled_at FROM jobs WHERE job_id=$1`, job,
	).Scan(&disabledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return disabledAt != nil, nil
}

// SetJobDisabled implements linkindex.LinkIndex.
func (p *Postgres) SetJobDisabled(ctx context.Context, job string, ts time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, disabled_at) VALUES ($1, $2)
		 ON CONFLICT (job_id) DO UPDATE SET disabled_at = excluded.disabled_at`,
		job, ts,
	)
	return errors.WithStack(err)
}

// IncrementFailCount implements linkindex.LinkIndex.
func (p *Postgres) IncrementFailCount(ctx context.Context, job, adapter, table string) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO cursors (job_id, adapter, table_name, fail_count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (job_id, adapter, table_name)
		 DO UPDATE SET fail_count = cursors.fail_count + 1`,
		job, adapter, table,
	); err != nil {
		return 0, errors.WithStack(err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT fail_count FROM cursors WHERE job_id=$1 AND adapter=$2 AND table_name=$3`,
		job, adapter, table,
	).Scan(&count); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

// ResetFailCount implements linkindex.LinkIndex.
func (p *Postgres) ResetFailCount(ctx context.Context, job, adapter, table string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cursors (job_id, adapter, table_name, fail_count)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (job_id, adapter, table_name)
		 DO UPDATE SET fail_count = 0`,
		job, adapter, table,
	)
	return errors.WithStack(err)
}

// GetFailCount implements linkindex.LinkIndex.
func (p *Postgres) GetFailCount(ctx context.Context, job, adapter, table string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT fail_count FROM cursors WHERE job_id=$1 AND adapter=$2 AND table_name=$3`,
		job, adapter, table,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

// InsertConflict implements linkindex.LinkIndex.
func (p *Postgres) InsertConflict(ctx context.Context, c linkindex.Conflict) error {
	srcPayload, err := json.Marshal(c.SrcPayload)
	if err != nil {
		return errors.WithStack(err)
	}
	destPayload, err := json.Marshal(c.DestPayload)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO conflicts
			(conflict_id, job_id, src_adapter, src_table, src_id,
			 dest_adapter, dest_table, dest_id, src_payload, dest_payload, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ConflictID, c.JobID,
		c.Src.Adapter, c.Src.Table, c.Src.ID,
		c.Dest.Adapter, c.Dest.Table, c.Dest.ID,
		string(srcPayload), string(destPayload), c.DetectedAt,
	)
	return errors.WithStack(err)
}

// GetConflicts implements linkindex.LinkIndex.
func (p *Postgres) GetConflicts(ctx context.Context, job string) ([]linkindex.Conflict, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT conflict_id, job_id, src_adapter, src_table, src_id,
			dest_adapter, dest_table, dest_id, src_payload, dest_payload, detected_at
		 FROM conflicts WHERE job_id=$1`, job,
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
func (p *Postgres) ResolveConflict(ctx context.Context, conflictID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM conflicts WHERE conflict_id=$1`, conflictID)
	return errors.WithStack(err)
}

// InsertRun implements linkindex.LinkIndex.
func (p *Postgres) InsertRun(ctx context.Context, r linkindex.RunSummary) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO runs (run_id, job_id, started_at, ended_at, status, summary_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.RunID, r.JobID, r.StartedAt, r.EndedAt, string(r.Status), string(summary),
	)
	return errors.WithStack(err)
}
