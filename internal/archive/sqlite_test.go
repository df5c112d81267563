package archive

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemlab/tandem/internal/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestToRecord(t *testing.T) {
	env := protocol.New(protocol.TypePromptSubmit, "s1", "alice", &protocol.PromptSubmitPayload{Text: "hi"})
	seq := uint64(3)
	env.Seq = &seq

	rec, err := toRecord("s1", env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, rec.ID)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "alice", rec.Sender)
	assert.Equal(t, "prompt.submit", rec.Type)
	require.NotNil(t, rec.Seq)
	assert.Equal(t, uint64(3), *rec.Seq)

	var p protocol.PromptSubmitPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &p))
	assert.Equal(t, "hi", p.Text)
}

func TestSaveAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		env := protocol.New(protocol.TypePromptSubmit, "s1", "alice", &protocol.PromptSubmitPayload{Text: text})
		require.NoError(t, s.SaveMessage(ctx, "s1", env))
	}
	require.NoError(t, s.SaveMessage(ctx, "s2",
		protocol.New(protocol.TypeSessionJoin, "s2", "bob", &protocol.JoinPayload{Name: "bob", ParticipantType: "human"})))

	count, err := s.CountMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	msgs, err := s.Messages(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, rec := range msgs {
		assert.Equal(t, "s1", rec.SessionID)
	}

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, sessions)
}

func TestSaveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	env := protocol.New(protocol.TypePromptSubmit, "s1", "alice", &protocol.PromptSubmitPayload{Text: "hi"})
	require.NoError(t, s.SaveMessage(ctx, "s1", env))
	require.NoError(t, s.SaveMessage(ctx, "s1", env), "replaying an id must not fail")

	count, err := s.CountMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
