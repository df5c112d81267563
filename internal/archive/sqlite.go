package archive

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/tandemlab/tandem/internal/protocol"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	sender      TEXT NOT NULL,
	type        TEXT NOT NULL,
	seq         INTEGER,
	ts          TIMESTAMP NOT NULL,
	payload     BLOB
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, ts);
`

// SQLiteStore archives messages in a local SQLite file, for single-node
// deployments and development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the archive database.
// If dbPath is empty, defaults to "./data/tandem.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/tandem.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveMessage archives one message row. Replayed ids are ignored.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, env *protocol.Envelope) error {
	rec, err := toRecord(sessionID, env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, session_id, sender, type, seq, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.Sender, rec.Type, rec.Seq, rec.TS, rec.Payload)
	return errors.Wrap(err, "insert message")
}

// Messages returns the most recent rows for a session, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender, type, seq, ts, payload
		FROM (
			SELECT id, session_id, sender, type, seq, ts, payload
			FROM messages WHERE session_id = ?
			ORDER BY ts DESC LIMIT ?
		)
		ORDER BY ts ASC
	`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Sender, &rec.Type, &rec.Seq, &rec.TS, &rec.Payload); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountMessages returns the number of archived rows for a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE session_id = ?
	`, sessionID).Scan(&count)
	return count, errors.Wrap(err, "count messages")
}

// Sessions lists the session ids with archived traffic.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM messages ORDER BY session_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan session id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
