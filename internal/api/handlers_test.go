package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemlab/tandem/internal/blob"
	"github.com/tandemlab/tandem/internal/hub"
	"github.com/tandemlab/tandem/internal/protocol"
	"github.com/tandemlab/tandem/internal/session"
)

func newTestServer(t *testing.T) (*hub.Hub, http.Handler) {
	t.Helper()
	h := hub.New(zerolog.Nop(), hub.Options{Defaults: session.DefaultConfig()})
	t.Cleanup(h.Shutdown)
	handler := NewHandler(h, nil, blob.NewMemoryStore(), zerolog.Nop())
	return h, NewRouter(zerolog.Nop(), handler)
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, router := newTestServer(t)

	rec := get(t, router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["archive"].Status)
}

func TestRoot(t *testing.T) {
	_, router := newTestServer(t)

	rec := get(t, router, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RootResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tandem", resp.Name)
}

func TestListAndGetSessions(t *testing.T) {
	h, router := newTestServer(t)
	id := h.CreateSession("s1", "pairing", nil)
	require.NoError(t, h.Submit(id, protocol.New(protocol.TypeSessionJoin, id, "alice", &protocol.JoinPayload{
		Name:            "alice",
		ParticipantType: "human",
		Roles:           []string{"driver"},
	})))

	rec := get(t, router, "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{"s1"}, list.Sessions)

	require.Eventually(t, func() bool {
		snap, err := h.Snapshot(id)
		return err == nil && len(snap.Participants) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec = get(t, router, "/sessions/s1")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap hub.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "pairing", snap.Name)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "alice", snap.Participants[0].ID)

	rec = get(t, router, "/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionMessagesWithoutArchive(t *testing.T) {
	_, router := newTestServer(t)
	rec := get(t, router, "/sessions/s1/messages")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBlobRoundTrip(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/blobs", strings.NewReader("big payload"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created BlobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, blob.Hash([]byte("big payload")), created.Hash)
	assert.Equal(t, 11, created.Size)

	rec = get(t, router, "/blobs/"+created.Hash)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "big payload", rec.Body.String())

	rec = get(t, router, "/blobs/"+strings.Repeat("0", 64))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyBlobIsRejected(t *testing.T) {
	_, router := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/blobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
