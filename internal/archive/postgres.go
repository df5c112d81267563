package archive

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/tandemlab/tandem/internal/protocol"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	sender      TEXT NOT NULL,
	type        TEXT NOT NULL,
	seq         BIGINT,
	ts          TIMESTAMPTZ NOT NULL,
	payload     JSONB
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, ts);
`

// PostgresStore archives messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pool, pings it, and ensures the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveMessage archives one message row. Replayed ids are ignored.
func (s *PostgresStore) SaveMessage(ctx context.Context, sessionID string, env *protocol.Envelope) error {
	rec, err := toRecord(sessionID, env)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, sender, type, seq, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.Sender, rec.Type, rec.Seq, rec.TS, rec.Payload)
	return errors.Wrap(err, "insert message")
}

// Messages returns the most recent rows for a session, oldest first.
func (s *PostgresStore) Messages(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sender, type, seq, ts, payload
		FROM (
			SELECT id, session_id, sender, type, seq, ts, payload
			FROM messages WHERE session_id = $1
			ORDER BY ts DESC LIMIT $2
		) recent
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
func (s *PostgresStore) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE session_id = $1
	`, sessionID).Scan(&count)
	return count, errors.Wrap(err, "count messages")
}

// Sessions lists the session ids with archived traffic.
func (s *PostgresStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
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
