package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// auditSink persists session lifecycle events for observability. It is
// purely observational: the protocol never blocks waiting on a write here,
// matching spec.md §4.3's requirement that daemon bookkeeping never gates
// correctness. Grounded on the teacher's
// internal/gvisor.DatabaseStateManager (database/sql + lib/pq, Ping on
// connect).
type auditSink struct {
	db *sql.DB
}

func newAuditSink(dsn string) *auditSink {
	if dsn == "" {
		return nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Warn("audit sink disabled: opening postgres connection", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		slog.Warn("audit sink disabled: pinging postgres", "error", err)
		db.Close()
		return nil
	}
	if _, err := db.ExecContext(ctx, createAuditTableSQL); err != nil {
		slog.Warn("audit sink disabled: creating table", "error", err)
		db.Close()
		return nil
	}
	slog.Info("audit sink connected")
	return &auditSink{db: db}
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS dsm_session_events (
	id BIGSERIAL PRIMARY KEY,
	sid_name TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// record is best-effort: failures are logged, never propagated, so the
// audit sink can never become a coherence dependency.
func (s *auditSink) record(sid, event, detail string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dsm_session_events (sid_name, event, detail) VALUES ($1, $2, $3)`,
		sid, event, detail)
	if err != nil {
		slog.Warn("audit record failed", "sid", sid, "event", event, "error", err)
	}
}

func (s *auditSink) close() error {
	if s == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing audit sink: %w", err)
	}
	return nil
}
