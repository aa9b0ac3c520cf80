package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sandgate/sandgate/domain/audit"
	"github.com/sandgate/sandgate/ports"
)

// AuditStore implements ports.AuditStore using SQLite.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a new SQLite audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// RecordBatch stores multiple audit events.
func (s *AuditStore) RecordBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (
			id, protocol, method, path, status, latency_ms,
			injected, skipped, error_class, remote_ip, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		// Store timestamp in UTC for consistent querying
		_, err := stmt.ExecContext(ctx,
			e.ID, string(e.Protocol), e.Method, e.Path, e.Status, e.LatencyMs,
			joinParams(e.Injected), joinParams(e.Skipped), e.ErrorClass, e.RemoteIP, e.Timestamp.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Recent returns the newest events, most recent first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol, method, path, status, latency_ms,
		       injected, skipped, error_class, remote_ip, timestamp
		FROM audit_events
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var protocol string
		var injected, skipped, errorClass, remoteIP sql.NullString

		err := rows.Scan(
			&e.ID, &protocol, &e.Method, &e.Path, &e.Status, &e.LatencyMs,
			&injected, &skipped, &errorClass, &remoteIP, &e.Timestamp,
		)
		if err != nil {
			return nil, err
		}

		e.Protocol = audit.Protocol(protocol)
		e.Injected = splitParams(injected.String)
		e.Skipped = splitParams(skipped.String)
		e.ErrorClass = errorClass.String
		e.RemoteIP = remoteIP.String

		events = append(events, e)
	}

	return events, rows.Err()
}

// joinParams serializes a parameter name list for storage. Parameter
// names come from configured rules and never contain commas.
func joinParams(params []string) string {
	return strings.Join(params, ",")
}

func splitParams(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Ensure interface compliance.
var _ ports.AuditStore = (*AuditStore)(nil)
