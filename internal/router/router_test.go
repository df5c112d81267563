package router

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemlab/tandem/internal/participant"
	"github.com/tandemlab/tandem/internal/protocol"
	"github.com/tandemlab/tandem/internal/session"
)

// sent is one captured broadcast with its delivery filter.
type sent struct {
	env    *protocol.Envelope
	filter func(string) bool
}

// recorder captures every broadcast the router emits.
type recorder struct {
	out []sent
}

func (r *recorder) broadcast(env *protocol.Envelope, filter func(string) bool) {
	r.out = append(r.out, sent{env: env, filter: filter})
}

// ofType returns the captured envelopes of one type, in emission order.
func (r *recorder) ofType(typ protocol.Type) []sent {
	var matched []sent
	for _, s := range r.out {
		if s.env.Type == typ {
			matched = append(matched, s)
		}
	}
	return matched
}

// deliveredTo reports whether a captured broadcast reaches the participant.
func (s sent) deliveredTo(id string) bool {
	return s.filter == nil || s.filter(id)
}

func newTestRouter() *Router {
	return New(zerolog.Nop())
}

func newTestSession(cfg session.Config) *session.Session {
	return session.New("s1", "pairing", cfg)
}

func join(t *testing.T, r *Router, sess *session.Session, rec *recorder, id, ptype string, roles ...string) {
	t.Helper()
	before := len(rec.ofType(protocol.TypeError))
	r.Route(sess, protocol.New(protocol.TypeSessionJoin, sess.ID, id, &protocol.JoinPayload{
		Name:            id,
		ParticipantType: ptype,
		Roles:           roles,
	}), rec.broadcast)
	require.Len(t, rec.ofType(protocol.TypeError), before, "join must not fail")
	require.NotNil(t, sess.Participant(id))
}

func lastErrorPayload(t *testing.T, rec *recorder) *protocol.ErrorPayload {
	t.Helper()
	errs := rec.ofType(protocol.TypeError)
	require.NotEmpty(t, errs, "expected an error broadcast")
	p, ok := errs[len(errs)-1].env.Payload.(*protocol.ErrorPayload)
	require.True(t, ok)
	return p
}

func TestJoinReplay(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	join(t, r, sess, rec, "bob", "human", "approver")

	for _, text := range []string{"one", "two", "three"} {
		r.Route(sess, protocol.New(protocol.TypePromptSubmit, sess.ID, "alice", &protocol.PromptSubmitPayload{
			Text: text,
		}), rec.broadcast)
	}
	r.Route(sess, protocol.New(protocol.TypeContextAdd, sess.ID, "alice", &protocol.ContextAddPayload{
		Key:     session.WorkingDirectoryKey,
		Content: "/work/repo",
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeSessionJoin, sess.ID, "carol", &protocol.JoinPayload{
		Name:            "carol",
		ParticipantType: "human",
		Roles:           []string{"observer"},
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	// Replays target carol alone: the two existing participants, the logged
	// history, and the working directory.
	var replays []sent
	var announcement *sent
	for i := range rec.out {
		s := rec.out[i]
		if s.env.Type == protocol.TypeSessionJoin && s.env.Sender == "carol" {
			announcement = &s
			continue
		}
		replays = append(replays, s)
	}
	require.NotNil(t, announcement, "the join itself is broadcast to everyone")
	assert.True(t, announcement.deliveredTo("alice"))
	assert.True(t, announcement.deliveredTo("bob"))

	joins := 0
	prompts := 0
	wd := 0
	for _, s := range replays {
		assert.True(t, s.deliveredTo("carol"))
		assert.False(t, s.deliveredTo("alice"), "replays go to the joiner only")
		switch s.env.Type {
		case protocol.TypeSessionJoin:
			joins++
		case protocol.TypePromptSubmit:
			prompts++
		case protocol.TypeContextAdd:
			wd++
		}
	}
	assert.Equal(t, 2, joins, "both existing participants are replayed")
	assert.Equal(t, 3, prompts, "all logged prompts are replayed")
	// Once from history, once as the current-value snapshot.
	assert.Equal(t, 2, wd)

	// Replays precede the announcement.
	assert.Equal(t, announcement.env.ID, rec.out[len(rec.out)-1].env.ID)
}

func TestJoinReplayHonorsContextVisibility(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	r.Route(sess, protocol.New(protocol.TypeContextAdd, sess.ID, "alice", &protocol.ContextAddPayload{
		Key:       "secret",
		Content:   "draft plan",
		VisibleTo: []string{"alice"},
	}), rec.broadcast)
	r.Route(sess, protocol.New(protocol.TypeContextUpdate, sess.ID, "alice", &protocol.ContextUpdatePayload{
		Key:     "secret",
		Content: "revised plan",
	}), rec.broadcast)
	r.Route(sess, protocol.New(protocol.TypeContextAdd, sess.ID, "alice", &protocol.ContextAddPayload{
		Key:     "shared",
		Content: "for everyone",
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	rec.out = nil
	join(t, r, sess, rec, "eve", "human", "observer")

	// The restricted item and its updates never reach a joiner outside its
	// visible_to set; the unrestricted item replays normally.
	sharedReplayed := false
	for _, s := range rec.out {
		if !s.deliveredTo("eve") {
			continue
		}
		switch pl := s.env.Payload.(type) {
		case *protocol.ContextAddPayload:
			require.NotEqual(t, "secret", pl.Key, "restricted context must not replay to a joiner outside visible_to")
			if pl.Key == "shared" {
				sharedReplayed = true
			}
		case *protocol.ContextUpdatePayload:
			require.NotEqual(t, "secret", pl.Key, "restricted context updates must not replay either")
		}
	}
	assert.True(t, sharedReplayed, "unrestricted context still replays")
}

func TestDuplicateJoinFails(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	r.Route(sess, protocol.New(protocol.TypeSessionJoin, sess.ID, "alice", &protocol.JoinPayload{
		Name:            "alice",
		ParticipantType: "human",
	}), rec.broadcast)

	p := lastErrorPayload(t, rec)
	assert.Equal(t, string(protocol.CodeInvalidState), p.Code)
	assert.True(t, p.Recoverable)
}

func TestNonMemberSenderIsRejected(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	env := protocol.New(protocol.TypePromptSubmit, sess.ID, "ghost", &protocol.PromptSubmitPayload{Text: "hi"})
	r.Route(sess, env, rec.broadcast)

	p := lastErrorPayload(t, rec)
	assert.Equal(t, string(protocol.CodeNotFound), p.Code)
	assert.Equal(t, env.ID, p.RelatedTo)
}

func TestAutoApprovedProposal(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.RequireApprovalFor = nil
	r := newTestRouter()
	sess := newTestSession(cfg)
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")

	rec.out = nil
	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName: "read_file",
		Category: "file_read",
	})
	r.Route(sess, proposal, rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	execs := rec.ofType(protocol.TypeToolExecute)
	require.Len(t, execs, 1)
	ep := execs[0].env.Payload.(*protocol.ToolExecutePayload)
	assert.Equal(t, proposal.ID, ep.ToolProposal)
	assert.Empty(t, ep.ApprovedBy, "auto-approval carries no approvers")

	assert.Empty(t, sess.PendingGates(), "no gate for an auto-approved proposal")
	assert.Empty(t, rec.ofType(protocol.TypeGateRequest))
	assert.True(t, sess.AgentBusy("bot"))

	// The grant precedes the proposal broadcast.
	assert.Equal(t, protocol.TypeToolExecute, rec.out[0].env.Type)
	assert.Equal(t, protocol.TypeToolPropose, rec.out[1].env.Type)
}

func TestGatedProposalApprovalFlow(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")
	join(t, r, sess, rec, "alice", "human", "driver", "approver")

	rec.out = nil
	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName:  "shell",
		Category:  "shell",
		Arguments: map[string]any{"command": "go test ./..."},
	})
	r.Route(sess, proposal, rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	// Proposal broadcast, then gate request; no execution yet.
	require.Len(t, rec.ofType(protocol.TypeGateRequest), 1)
	require.Empty(t, rec.ofType(protocol.TypeToolExecute))
	require.NotNil(t, sess.Gate(proposal.ID))
	assert.Equal(t, protocol.TypeToolPropose, rec.out[0].env.Type)
	assert.Equal(t, protocol.TypeGateRequest, rec.out[1].env.Type)

	// While the proposal is pending, prompts to the agent bounce.
	r.Route(sess, protocol.New(protocol.TypePromptSubmit, sess.ID, "alice", &protocol.PromptSubmitPayload{
		Text:        "also do this",
		TargetAgent: "bot",
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeInvalidState), lastErrorPayload(t, rec).Code)

	// Approval meets the default any-1 quorum.
	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeGateApprove, sess.ID, "alice", &protocol.GateApprovePayload{
		GateRef: proposal.ID,
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	execs := rec.ofType(protocol.TypeToolExecute)
	require.Len(t, execs, 1)
	ep := execs[0].env.Payload.(*protocol.ToolExecutePayload)
	assert.Equal(t, proposal.ID, ep.ToolProposal)
	assert.Equal(t, []string{"alice"}, ep.ApprovedBy)
	assert.Nil(t, sess.Gate(proposal.ID), "a resolved gate is removed")

	// The result settles the agent.
	r.Route(sess, protocol.New(protocol.TypeToolResult, sess.ID, "bot", &protocol.ToolResultPayload{
		ToolProposal: proposal.ID,
		Success:      true,
		Output:       "ok",
	}), rec.broadcast)
	assert.False(t, sess.AgentBusy("bot"))
}

func TestSingleRejectionIsFinal(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")
	join(t, r, sess, rec, "alice", "human", "approver")
	join(t, r, sess, rec, "bob", "human", "approver")

	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName: "shell",
		Category: "shell",
	})
	r.Route(sess, proposal, rec.broadcast)
	require.NotNil(t, sess.Gate(proposal.ID))
	require.True(t, sess.AgentBusy("bot"))

	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeGateReject, sess.ID, "alice", &protocol.GateRejectPayload{
		GateRef: proposal.ID,
		Reason:  "too risky",
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	assert.Nil(t, sess.Gate(proposal.ID))
	assert.False(t, sess.AgentBusy("bot"), "rejection releases the agent")
	assert.Empty(t, rec.ofType(protocol.TypeToolExecute), "a rejected proposal never executes")

	// A late approval finds no gate.
	r.Route(sess, protocol.New(protocol.TypeGateApprove, sess.ID, "bob", &protocol.GateApprovePayload{
		GateRef: proposal.ID,
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeNotFound), lastErrorPayload(t, rec).Code)
}

func TestGateTimeoutActsAsRejection(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")

	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName: "shell",
		Category: "shell",
	})
	r.Route(sess, proposal, rec.broadcast)
	require.NotNil(t, sess.Gate(proposal.ID))

	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeGateTimeout, sess.ID, SystemSender, &protocol.GateTimeoutPayload{
		GateRef: proposal.ID,
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	assert.Nil(t, sess.Gate(proposal.ID))
	assert.False(t, sess.AgentBusy("bot"))
	assert.Empty(t, rec.ofType(protocol.TypeToolExecute))
}

func TestGateTimeoutWithApprovedResolution(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")

	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName: "shell",
		Category: "shell",
	})
	r.Route(sess, proposal, rec.broadcast)

	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeGateTimeout, sess.ID, SystemSender, &protocol.GateTimeoutPayload{
		GateRef:    proposal.ID,
		Resolution: ResolutionApproved,
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	execs := rec.ofType(protocol.TypeToolExecute)
	require.Len(t, execs, 1)
	assert.Equal(t, proposal.ID, execs[0].env.Payload.(*protocol.ToolExecutePayload).ToolProposal)
}

func TestFileWriteEchoUpdatesContext(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.RequireApprovalFor = nil
	r := newTestRouter()
	sess := newTestSession(cfg)
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")

	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName: "write_file",
		Category: "file_write",
		Arguments: map[string]any{
			"path":    "/x/a.txt",
			"content": "hi",
		},
	})
	r.Route(sess, proposal, rec.broadcast)

	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeToolResult, sess.ID, "bot", &protocol.ToolResultPayload{
		ToolProposal: proposal.ID,
		Success:      true,
		Output:       "wrote 2 bytes",
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	item := sess.Context("file:/x/a.txt")
	require.NotNil(t, item, "a successful file write becomes a context item")
	assert.Equal(t, "hi", item.Content)
	assert.Equal(t, "bot", item.AddedBy)

	adds := rec.ofType(protocol.TypeContextAdd)
	require.Len(t, adds, 1)
	assert.True(t, adds[0].deliveredTo("anyone"), "the echo is visible to all")
}

func TestFailedToolResultDoesNotEcho(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.RequireApprovalFor = nil
	r := newTestRouter()
	sess := newTestSession(cfg)
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")

	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName:  "write_file",
		Category:  "file_write",
		Arguments: map[string]any{"path": "/x/a.txt", "content": "hi"},
	})
	r.Route(sess, proposal, rec.broadcast)
	r.Route(sess, protocol.New(protocol.TypeToolResult, sess.ID, "bot", &protocol.ToolResultPayload{
		ToolProposal: proposal.ID,
		Success:      false,
		Error:        "permission denied",
	}), rec.broadcast)

	assert.Nil(t, sess.Context("file:/x/a.txt"))
	assert.False(t, sess.AgentBusy("bot"), "a failed result still settles the proposal")
}

func TestPromptAuthorization(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "watcher", "human", "observer")

	r.Route(sess, protocol.New(protocol.TypePromptSubmit, sess.ID, "watcher", &protocol.PromptSubmitPayload{
		Text: "do something",
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeUnauthorized), lastErrorPayload(t, rec).Code)
}

func TestAgentApprovalIsUnauthorized(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "bot", "agent", "driver")
	join(t, r, sess, rec, "bot2", "agent", "approver")

	proposal := protocol.New(protocol.TypeToolPropose, sess.ID, "bot", &protocol.ToolProposePayload{
		ToolName: "shell",
		Category: "shell",
	})
	r.Route(sess, proposal, rec.broadcast)

	r.Route(sess, protocol.New(protocol.TypeGateApprove, sess.ID, "bot2", &protocol.GateApprovePayload{
		GateRef: proposal.ID,
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeUnauthorized), lastErrorPayload(t, rec).Code)
	assert.NotNil(t, sess.Gate(proposal.ID), "the gate stays pending")
}

func TestContextVisibilityFilter(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	join(t, r, sess, rec, "bob", "human", "observer")

	rec.out = nil
	r.Route(sess, protocol.New(protocol.TypeContextAdd, sess.ID, "alice", &protocol.ContextAddPayload{
		Key:       "scratch",
		Content:   "draft",
		VisibleTo: []string{"alice"},
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	adds := rec.ofType(protocol.TypeContextAdd)
	require.Len(t, adds, 1)
	assert.True(t, adds[0].deliveredTo("alice"))
	assert.False(t, adds[0].deliveredTo("bob"))
}

func TestPingPongGoesToSenderOnly(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	join(t, r, sess, rec, "bob", "human", "driver")

	rec.out = nil
	ping := protocol.New(protocol.TypeHeartbeatPing, sess.ID, "alice", &protocol.PingPayload{})
	r.Route(sess, ping, rec.broadcast)

	pongs := rec.ofType(protocol.TypeHeartbeatPong)
	require.Len(t, pongs, 1)
	assert.True(t, pongs[0].deliveredTo("alice"))
	assert.False(t, pongs[0].deliveredTo("bob"))
	assert.Equal(t, ping.ID, pongs[0].env.Payload.(*protocol.PongPayload).PingID)
}

func TestForkCreate(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")

	prompt := protocol.New(protocol.TypePromptSubmit, sess.ID, "alice", &protocol.PromptSubmitPayload{Text: "hi"})
	r.Route(sess, prompt, rec.broadcast)

	// Unknown branch point.
	r.Route(sess, protocol.New(protocol.TypeForkCreate, sess.ID, "alice", &protocol.ForkCreatePayload{
		Name:        "alt",
		FromMessage: "nope",
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeNotFound), lastErrorPayload(t, rec).Code)

	r.Route(sess, protocol.New(protocol.TypeForkCreate, sess.ID, "alice", &protocol.ForkCreatePayload{
		Name:        "alt",
		FromMessage: prompt.ID,
	}), rec.broadcast)
	require.NotNil(t, sess.CurrentFork())
	assert.Equal(t, "alt", sess.CurrentFork().Name)

	// Forks can be disabled by config.
	sess.Config.AllowForks = false
	r.Route(sess, protocol.New(protocol.TypeForkCreate, sess.ID, "alice", &protocol.ForkCreatePayload{
		Name: "alt2",
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeInvalidState), lastErrorPayload(t, rec).Code)
}

func TestInterruptInjectsContext(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")

	env := protocol.New(protocol.TypeInterruptRaise, sess.ID, "alice", &protocol.InterruptPayload{
		Reason:  "wrong direction",
		Context: "use the v2 API instead",
	})
	r.Route(sess, env, rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	item := sess.Context("interrupt:" + env.ID)
	require.NotNil(t, item)
	assert.Equal(t, "use the v2 API instead", item.Content)
	require.Len(t, rec.ofType(protocol.TypeInterruptRaise), 1)
	require.Len(t, rec.ofType(protocol.TypeContextAdd), 1)
}

func TestInterruptContextRidesInterruptAuthority(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	// Interrupt capability only; no add_context grant.
	r.Route(sess, protocol.New(protocol.TypeSessionJoin, sess.ID, "watcher", &protocol.JoinPayload{
		Name:            "watcher",
		ParticipantType: "human",
		Roles:           []string{"observer"},
		Capabilities:    []string{participant.CapInterrupt},
	}), rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError))

	rec.out = nil
	env := protocol.New(protocol.TypeInterruptRaise, sess.ID, "watcher", &protocol.InterruptPayload{
		Reason:  "stop",
		Context: "the tests are red",
	})
	r.Route(sess, env, rec.broadcast)
	require.Empty(t, rec.ofType(protocol.TypeError), "the interrupt's note must not need add_context")

	item := sess.Context("interrupt:" + env.ID)
	require.NotNil(t, item)
	assert.Equal(t, "the tests are red", item.Content)
	assert.Equal(t, "watcher", item.AddedBy, "provenance stays with the interrupter")

	adds := rec.ofType(protocol.TypeContextAdd)
	require.Len(t, adds, 1)
	assert.Equal(t, "watcher", adds[0].env.Sender)
}

func TestUnknownTypePassesThrough(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")

	rec.out = nil
	env := &protocol.Envelope{
		ID:      "01UNKNOWN",
		Type:    "custom.extension",
		Session: sess.ID,
		Sender:  "alice",
		Payload: json.RawMessage(`{"k":1}`),
	}
	r.Route(sess, env, rec.broadcast)

	require.Empty(t, rec.ofType(protocol.TypeError))
	require.Len(t, rec.out, 1)
	assert.Equal(t, env.ID, rec.out[0].env.ID)
}

func TestConfigUpdateRequiresAdmin(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	join(t, r, sess, rec, "root", "human", "admin")

	forks := false
	r.Route(sess, protocol.New(protocol.TypeSessionConfigUpdate, sess.ID, "alice", &protocol.ConfigUpdatePayload{
		AllowForks: &forks,
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeUnauthorized), lastErrorPayload(t, rec).Code)
	assert.True(t, sess.Config.AllowForks)

	r.Route(sess, protocol.New(protocol.TypeSessionConfigUpdate, sess.ID, "root", &protocol.ConfigUpdatePayload{
		AllowForks: &forks,
	}), rec.broadcast)
	assert.False(t, sess.Config.AllowForks)
}

func TestPresenceSpoofingIsRejected(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession(session.DefaultConfig())
	rec := &recorder{}

	join(t, r, sess, rec, "alice", "human", "driver")
	join(t, r, sess, rec, "bob", "human", "driver")

	r.Route(sess, protocol.New(protocol.TypePresenceUpdate, sess.ID, "alice", &protocol.PresencePayload{
		Participant: "bob",
		Presence:    "away",
	}), rec.broadcast)
	assert.Equal(t, string(protocol.CodeUnauthorized), lastErrorPayload(t, rec).Code)

	// The system sweeper may set anyone's presence.
	r.Route(sess, protocol.New(protocol.TypePresenceUpdate, sess.ID, SystemSender, &protocol.PresencePayload{
		Participant: "bob",
		Presence:    "away",
	}), rec.broadcast)
	assert.Equal(t, "away", string(sess.Participant("bob").Presence))
}
