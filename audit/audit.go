package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditDB is an embedded, append-only log of environment lifecycle events.
type AuditDB struct {
	db *sql.DB
}

// Event is one row of the audit log.
type Event struct {
	ID         int64
	TraceID    string
	InstanceID string
	Timestamp  time.Time
	EventType  string
	Data       string
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS env_audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	instance_id TEXT,
	timestamp DATETIME NOT NULL,
	event_type TEXT NOT NULL,
	data TEXT
);

CREATE INDEX IF NOT EXISTS idx_env_audit_log_trace_id ON env_audit_log(trace_id);
CREATE INDEX IF NOT EXISTS idx_env_audit_log_instance_id ON env_audit_log(instance_id);
CREATE INDEX IF NOT EXISTS idx_env_audit_log_timestamp ON env_audit_log(timestamp);
`

// NewAuditDB opens/creates the SQLite database at dbPath and ensures the schema exists.
func NewAuditDB(dbPath string) (*AuditDB, error) {
	if dbPath == "" {
		dbPath = "./sim_audit.db"
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &AuditDB{db: db}, nil
}

func (a *AuditDB) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordEvent inserts a single audit log row.
//
// - traceID: the request correlation ID (X-Trace-ID)
// - instanceID: environment identifier
// - eventType: e.g. ENV_CREATED, ENV_RUN, ENV_CLOSED
// - data: JSON-encoded payload (best-effort)
func (a *AuditDB) RecordEvent(ctx context.Context, traceID, instanceID, eventType string, data any) error {
	if a == nil || a.db == nil {
		return nil
	}

	var payload string
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			payload = fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
		} else {
			payload = string(b)
		}
	}

	_, err := a.db.ExecContext(
		ctx,
		`INSERT INTO env_audit_log (trace_id, instance_id, timestamp, event_type, data)
		 VALUES (?, ?, ?, ?, ?)`,
		traceID,
		instanceID,
		time.Now().UTC(),
		eventType,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert env_audit_log: %w", err)
	}

	return nil
}

// Events returns the audit trail of one environment in insertion order.
func (a *AuditDB) Events(ctx context.Context, instanceID string) ([]Event, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}

	rows, err := a.db.QueryContext(
		ctx,
		`SELECT id, COALESCE(trace_id, ''), instance_id, timestamp, event_type, COALESCE(data, '')
		 FROM env_audit_log WHERE instance_id = ? ORDER BY id`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query env_audit_log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.InstanceID, &ev.Timestamp, &ev.EventType, &ev.Data); err != nil {
			return nil, fmt.Errorf("scan env_audit_log: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
