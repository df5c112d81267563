// Package session holds the per-workspace aggregate: participants, shared
// context, the append-only message log, pending gates, and forks. A Session
// is a single-writer resource; the hub serializes all access, so no method
// here locks.
package session

import (
	"sort"
	"time"

	"github.com/tandemlab/tandem/internal/gate"
	"github.com/tandemlab/tandem/internal/participant"
	"github.com/tandemlab/tandem/internal/protocol"
	"github.com/tandemlab/tandem/internal/sharedctx"
)

// WorkingDirectoryKey is the context key for the session's working
// directory, replayed to every joiner.
const WorkingDirectoryKey = "working_directory"

// Fork is a named branch point in the message history.
type Fork struct {
	Name        string    `json:"name"`
	FromMessage string    `json:"from_message"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is the aggregate for one collaborative workspace.
type Session struct {
	ID   string
	Name string

	Config Config

	participants map[string]*participant.Participant
	contextItems map[string]*sharedctx.Item
	log          []*protocol.Envelope
	pendingGates map[string]*gate.Gate // keyed by the protected proposal's message id
	forks        map[string]*Fork
	currentFork  string
	busyAgents   map[string]int
	seq          uint64
	CreatedAt    time.Time
}

// New creates an empty session.
func New(id, name string, cfg Config) *Session {
	return &Session{
		ID:           id,
		Name:         name,
		Config:       cfg,
		participants: make(map[string]*participant.Participant),
		contextItems: make(map[string]*sharedctx.Item),
		pendingGates: make(map[string]*gate.Gate),
		forks:        make(map[string]*Fork),
		busyAgents:   make(map[string]int),
		CreatedAt:    time.Now().UTC(),
	}
}

// AddParticipant adds a member, enforcing the participant cap. Re-joining
// with an existing id is an INVALID_STATE error.
func (s *Session) AddParticipant(p *participant.Participant) error {
	if _, ok := s.participants[p.Info.ID]; ok {
		return protocol.InvalidState("participant %s already joined", p.Info.ID)
	}
	if s.Config.MaxParticipants > 0 && len(s.participants) >= s.Config.MaxParticipants {
		return protocol.InvalidState("session is full (max %d participants)", s.Config.MaxParticipants)
	}
	s.participants[p.Info.ID] = p
	return nil
}

// RemoveParticipant removes a member. Unknown ids are a NOT_FOUND error.
func (s *Session) RemoveParticipant(id string) error {
	if _, ok := s.participants[id]; !ok {
		return protocol.NotFound("participant %s not in session", id)
	}
	delete(s.participants, id)
	return nil
}

// Participant looks up a member by id, or nil.
func (s *Session) Participant(id string) *participant.Participant {
	return s.participants[id]
}

// Participants returns the members ordered by id for deterministic
// iteration; map insertion order is not semantic.
func (s *Session) Participants() []*participant.Participant {
	out := make([]*participant.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// AddMessage appends to the message log. This is the single point where
// history becomes immutable: no edits, no deletes. Under total ordering it
// assigns the next sequence number, strictly increasing from 0 with no
// gaps.
func (s *Session) AddMessage(env *protocol.Envelope) {
	if s.Config.OrderingMode == OrderingTotal {
		n := s.seq
		env.Seq = &n
		s.seq++
	}
	s.log = append(s.log, env)
}

// Messages returns the full append-only log.
func (s *Session) Messages() []*protocol.Envelope {
	return s.log
}

// FindMessage returns the logged message with the given id, or nil.
func (s *Session) FindMessage(id string) *protocol.Envelope {
	for _, env := range s.log {
		if env.ID == id {
			return env
		}
	}
	return nil
}

// AddGate stores a pending gate keyed by the message id of the proposal it
// protects. Called exactly once per gate.
func (s *Session) AddGate(actionRef string, g *gate.Gate) error {
	if _, ok := s.pendingGates[actionRef]; ok {
		return protocol.InvalidState("gate already pending for %s", actionRef)
	}
	s.pendingGates[actionRef] = g
	return nil
}

// RemoveGate drops a gate on its terminal transition. A gate never
// persists past resolution.
func (s *Session) RemoveGate(actionRef string) error {
	if _, ok := s.pendingGates[actionRef]; !ok {
		return protocol.NotFound("no pending gate for %s", actionRef)
	}
	delete(s.pendingGates, actionRef)
	return nil
}

// Gate returns the pending gate protecting the given proposal, or nil.
func (s *Session) Gate(actionRef string) *gate.Gate {
	return s.pendingGates[actionRef]
}

// PendingGates returns pending gates ordered by creation time.
func (s *Session) PendingGates() []*gate.Gate {
	out := make([]*gate.Gate, 0, len(s.pendingGates))
	for _, g := range s.pendingGates {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetContext creates or overwrites a context item; re-adding a key
// replaces the previous item.
func (s *Session) SetContext(item *sharedctx.Item) {
	s.contextItems[item.Key] = item
}

// Context looks up a context item by key, or nil.
func (s *Session) Context(key string) *sharedctx.Item {
	return s.contextItems[key]
}

// RemoveContext deletes a context item. Unknown keys are a NOT_FOUND error.
func (s *Session) RemoveContext(key string) error {
	if _, ok := s.contextItems[key]; !ok {
		return protocol.NotFound("no context item %q", key)
	}
	delete(s.contextItems, key)
	return nil
}

// ContextItems returns items ordered by key.
func (s *Session) ContextItems() []*sharedctx.Item {
	out := make([]*sharedctx.Item, 0, len(s.contextItems))
	for _, item := range s.contextItems {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AddFork records a branch point and makes it current. Duplicate fork
// names are an INVALID_STATE error.
func (s *Session) AddFork(f *Fork) error {
	if _, ok := s.forks[f.Name]; ok {
		return protocol.InvalidState("fork %q already exists", f.Name)
	}
	s.forks[f.Name] = f
	s.currentFork = f.Name
	return nil
}

// CurrentFork returns the active fork, or nil when on the mainline.
func (s *Session) CurrentFork() *Fork {
	if s.currentFork == "" {
		return nil
	}
	return s.forks[s.currentFork]
}

// Forks returns all branch points ordered by creation time.
func (s *Session) Forks() []*Fork {
	out := make([]*Fork, 0, len(s.forks))
	for _, f := range s.forks {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkAgentBusy notes one in-flight tool proposal for the agent. An agent
// with in-flight proposals rejects new prompts.
func (s *Session) MarkAgentBusy(agentID string) {
	s.busyAgents[agentID]++
}

// ReleaseAgent settles one in-flight proposal for the agent.
func (s *Session) ReleaseAgent(agentID string) {
	if s.busyAgents[agentID] > 0 {
		s.busyAgents[agentID]--
	}
	if s.busyAgents[agentID] == 0 {
		delete(s.busyAgents, agentID)
	}
}

// AgentBusy reports whether the agent has unresolved tool proposals.
func (s *Session) AgentBusy(agentID string) bool {
	return s.busyAgents[agentID] > 0
}
