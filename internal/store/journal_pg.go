package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const versionsTable = "resource_versions"

var versionColumns = []string{"resource_type", "id", "version_id", "last_updated", "deleted", "content"}

// PGJournal persists versions to the resource_versions table. Each commit is
// written in one SQL transaction.
type PGJournal struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

func NewPGJournal(pool *pgxpool.Pool) *PGJournal {
	return &PGJournal{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (j *PGJournal) Append(ctx context.Context, versions []*Version) error {
	q := j.sb.Insert(versionsTable).Columns(versionColumns...)
	for _, v := range versions {
		var content []byte
		if !v.Deleted {
			raw, err := v.Content.Marshal()
			if err != nil {
				return fmt.Errorf("encode %s: %w", v.Location(), err)
			}
			content = raw
		}
		q = q.Values(string(v.ResourceType), v.ID, v.VersionID, v.LastUpdated, v.Deleted, content)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert versions: %w", err)
	}
	return tx.Commit(ctx)
}

func (j *PGJournal) Replay(ctx context.Context, fn func(*Version) error) error {
	query, args, err := j.sb.Select(versionColumns...).
		From(versionsTable).
		OrderBy("resource_type", "id", "version_id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build select: %w", err)
	}

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate versions: %w", err)
	}
	return nil
}

func scanVersion(row pgx.Row) (*Version, error) {
	var (
		r       record
		content []byte
		updated time.Time
	)
	if err := row.Scan(&r.ResourceType, &r.ID, &r.VersionID, &updated, &r.Deleted, &content); err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	r.LastUpdated = updated
	r.Resource = content
	return r.version()
}

// Close is a no-op; the pool is owned by the caller.
func (j *PGJournal) Close() error { return nil }
