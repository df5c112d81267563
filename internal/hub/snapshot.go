package hub

import (
	"sort"
	"time"

	"github.com/tandemlab/tandem/internal/protocol"
)

// ParticipantView is the read-model shape of one session member.
type ParticipantView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Roles    []string `json:"roles,omitempty"`
	Presence string   `json:"presence"`
}

// GateView is the read-model shape of one pending gate.
type GateView struct {
	ActionRef string     `json:"action_ref"`
	Approvals []string   `json:"approvals"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Snapshot is a consistent read-only view of a live session, produced by
// the session's own goroutine so it never races a mutation.
type Snapshot struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	CreatedAt    time.Time         `json:"created_at"`
	OrderingMode string            `json:"ordering_mode"`
	Participants []ParticipantView `json:"participants"`
	MessageCount int               `json:"message_count"`
	PendingGates []GateView        `json:"pending_gates"`
	ContextKeys  []string          `json:"context_keys"`
	CurrentFork  string            `json:"current_fork,omitempty"`
}

// Snapshot captures a session's current state via its single-writer loop.
func (h *Hub) Snapshot(sessionID string) (*Snapshot, error) {
	ls, err := h.live(sessionID)
	if err != nil {
		return nil, err
	}

	reply := make(chan *Snapshot, 1)
	select {
	case ls.commands <- func(ls *liveSession) {
		reply <- snapshotOf(ls)
	}:
	case <-ls.done:
		return nil, protocol.NotFound("session %s is closed", sessionID)
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ls.done:
		return nil, protocol.NotFound("session %s is closed", sessionID)
	}
}

// SessionIDs lists live sessions in stable order.
func (h *Hub) SessionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func snapshotOf(ls *liveSession) *Snapshot {
	sess := ls.sess
	snap := &Snapshot{
		ID:           sess.ID,
		Name:         sess.Name,
		CreatedAt:    sess.CreatedAt,
		OrderingMode: string(sess.Config.OrderingMode),
		MessageCount: len(sess.Messages()),
	}
	for _, p := range sess.Participants() {
		snap.Participants = append(snap.Participants, ParticipantView{
			ID:       p.Info.ID,
			Name:     p.Info.Name,
			Type:     string(p.Info.Type),
			Roles:    p.Info.Roles,
			Presence: string(p.Presence),
		})
	}
	for _, g := range sess.PendingGates() {
		snap.PendingGates = append(snap.PendingGates, GateView{
			ActionRef: g.ActionRef,
			Approvals: append([]string(nil), g.Approvals...),
			ExpiresAt: g.ExpiresAt,
		})
	}
	for _, item := range sess.ContextItems() {
		snap.ContextKeys = append(snap.ContextKeys, item.Key)
	}
	if f := sess.CurrentFork(); f != nil {
		snap.CurrentFork = f.Name
	}
	return snap
}
