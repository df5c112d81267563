// Package archive persists the inbound message stream of every session for
// audit and transcript review. The in-memory session aggregate is the
// source of truth; archive writes are best-effort and never gate routing.
package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/tandemlab/tandem/internal/protocol"
)

// Record is one archived message row.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Seq       *uint64   `json:"seq,omitempty"`
	TS        time.Time `json:"ts"`
	Payload   []byte    `json:"payload,omitempty"`
}

// Store is the archive contract. Both PostgresStore and SQLiteStore
// implement it.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	SaveMessage(ctx context.Context, sessionID string, env *protocol.Envelope) error
	Messages(ctx context.Context, sessionID string, limit int) ([]Record, error)
	CountMessages(ctx context.Context, sessionID string) (int64, error)
	Sessions(ctx context.Context) ([]string, error)
}

// toRecord flattens an envelope for storage, serializing the payload as
// JSON.
func toRecord(sessionID string, env *protocol.Envelope) (*Record, error) {
	var payload []byte
	if env.Payload != nil {
		var err error
		payload, err = json.Marshal(env.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
	}
	return &Record{
		ID:        env.ID,
		SessionID: sessionID,
		Sender:    env.Sender,
		Type:      string(env.Type),
		Seq:       env.Seq,
		TS:        env.TS,
		Payload:   payload,
	}, nil
}
