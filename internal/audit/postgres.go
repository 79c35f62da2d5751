package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the audit_records table. Execute it via
// [PostgresSink.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    payload    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_records_session ON audit_records(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_kind ON audit_records(kind);
`

// DB is the database interface used by [PostgresSink]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends audit records to PostgreSQL.
type PostgresSink struct {
	db DB
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink creates a sink over the given connection or pool. The caller
// is responsible for calling [PostgresSink.Migrate] before writes.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	raw, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	const query = `INSERT INTO audit_records (session_id, kind, ts, payload) VALUES ($1,$2,$3,$4)`
	if _, err := s.db.Exec(ctx, query, rec.SessionID, string(rec.Kind), rec.Timestamp, raw); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Ping verifies database connectivity. Used by the health endpoint.
func (s *PostgresSink) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("audit: ping: %w", err)
	}
	return nil
}
