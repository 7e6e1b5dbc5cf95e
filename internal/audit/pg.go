package audit

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

const eventsTable = "audit_events"

// Execer is the subset of pgxpool.Pool the sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink appends events to the audit_events table.
type PGSink struct {
	db Execer
	sb sq.StatementBuilderType
}

func NewPGSink(db Execer) *PGSink {
	return &PGSink{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (s *PGSink) Notify(ctx context.Context, e Event) error {
	query, args, err := s.sb.Insert(eventsTable).
		Columns("resource_type", "resource_id", "version_id", "operation", "occurred_at", "actor").
		Values(string(e.ResourceType), nullable(e.ID), nullableInt(e.Version), string(e.Operation), e.Timestamp, nullable(e.Actor)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
