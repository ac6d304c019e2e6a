package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tftpd/internal/events"
)

const auditWriteTimeout = 5 * time.Second

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	ConnID    int       `json:"conn_id"`
	Username  string    `json:"username,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	ErrorCode int       `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog records what clients did in SQLite.
type AuditLog struct {
	db *Database
}

// NewAuditLog opens the database at dbPath and creates the schema.
func NewAuditLog(dbPath string) (*AuditLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	a := &AuditLog{db: database}
	if err := a.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return a, nil
}

func (a *AuditLog) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			conn_id INTEGER NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			bytes INTEGER NOT NULL DEFAULT 0,
			error_code INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`
	_, err := a.db.Exec(ctx, schema)
	return err
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record appends an entry. A zero CreatedAt is set to now.
func (a *AuditLog) Record(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := a.db.Exec(ctx,
		`INSERT INTO audit_log (action, conn_id, username, filename, bytes, error_code, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Action, e.ConnID, e.Username, e.Filename, e.Bytes, e.ErrorCode, e.Message, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.db.Query(ctx,
		`SELECT id, action, conn_id, username, filename, bytes, error_code, message, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Action, &e.ConnID, &e.Username, &e.Filename,
			&e.Bytes, &e.ErrorCode, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than maxAge and returns how many were removed.
func (a *AuditLog) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := a.db.Exec(ctx, `DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	return res.RowsAffected()
}

// Subscribe records every bus event that maps to an audit entry.
func (a *AuditLog) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll("audit_log", func(_ context.Context, event events.Event) error {
		entry, ok := entryFromEvent(event)
		if !ok {
			return nil
		}
		// The emitting connection may already be gone.
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		return a.Record(ctx, entry)
	})
	log.Debug().Msg("audit log subscribed to events")
}

func entryFromEvent(event events.Event) (AuditEntry, bool) {
	entry := AuditEntry{
		Action:    string(event.Type),
		CreatedAt: event.Timestamp,
	}

	switch p := event.Payload.(type) {
	case events.SessionPayload:
		entry.ConnID = p.ConnID
		entry.Username = p.Username
		entry.Message = p.Remote
	case events.FilePayload:
		entry.ConnID = p.ConnID
		entry.Username = p.Username
		entry.Filename = p.Filename
		entry.Bytes = p.Bytes
	case events.ErrorPayload:
		entry.ConnID = p.ConnID
		entry.Username = p.Username
		entry.ErrorCode = int(p.Code)
		entry.Message = p.Opcode + ": " + p.Message
	case events.DiskPayload:
		entry.Message = fmt.Sprintf("%s: %d MB free (minimum %d MB)", p.Path, p.FreeMB, p.MinFreeMB)
	default:
		return AuditEntry{}, false
	}
	return entry, true
}
