// Package router implements the per-session protocol state machine. Every
// inbound envelope goes through the same shape: authorize the sender,
// mutate the session aggregate, broadcast zero or more outbound envelopes.
// The router holds no session state of its own and must only be invoked
// from the session's single-writer loop.
package router

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemlab/tandem/internal/gate"
	"github.com/tandemlab/tandem/internal/metrics"
	"github.com/tandemlab/tandem/internal/participant"
	"github.com/tandemlab/tandem/internal/protocol"
	"github.com/tandemlab/tandem/internal/session"
	"github.com/tandemlab/tandem/internal/sharedctx"
)

// SystemSender marks envelopes synthesized by the server rather than sent
// by a participant.
const SystemSender = "system"

// ResolutionApproved on a gate.timeout executes the action instead of
// dropping it; anything else is treated like a rejection.
const ResolutionApproved = "approved"

// Broadcast delivers an outbound envelope. A nil filter means deliver to
// every participant; otherwise only ids passing the predicate receive it.
type Broadcast func(env *protocol.Envelope, filter func(participantID string) bool)

// Router routes inbound session messages.
type Router struct {
	log zerolog.Logger
	now func() time.Time
}

// New creates a router logging through the given logger.
func New(log zerolog.Logger) *Router {
	return &Router{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Route processes one inbound envelope. It never returns or panics an
// error out: any handler failure is converted into a protocol-level error
// envelope broadcast back to the session.
func (r *Router) Route(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) {
	metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()

	if err := r.dispatch(sess, env, broadcast); err != nil {
		code := protocol.CodeOf(err)
		metrics.RoutingErrors.WithLabelValues(string(code)).Inc()
		r.log.Warn().
			Str("session", sess.ID).
			Str("type", string(env.Type)).
			Str("sender", env.Sender).
			Str("code", string(code)).
			Err(err).
			Msg("handler failed")

		broadcast(protocol.New(protocol.TypeError, sess.ID, SystemSender, &protocol.ErrorPayload{
			Code:        string(code),
			Message:     err.Error(),
			Recoverable: true,
			RelatedTo:   env.ID,
		}), nil)
	}
}

func (r *Router) dispatch(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	// Everything except a join (and server-synthesized traffic) must come
	// from a current member.
	switch env.Type {
	case protocol.TypeSessionJoin, protocol.TypeError:
	default:
		if env.Sender != SystemSender && sess.Participant(env.Sender) == nil {
			return protocol.NotFound("sender %s is not a participant", env.Sender)
		}
	}

	switch env.Type {
	case protocol.TypeSessionJoin:
		return r.handleJoin(sess, env, broadcast)
	case protocol.TypeSessionLeave:
		return r.handleLeave(sess, env, broadcast)
	case protocol.TypeSessionConfigUpdate:
		return r.handleConfigUpdate(sess, env, broadcast)
	case protocol.TypeRoleChange:
		return r.handleRoleChange(sess, env, broadcast)
	case protocol.TypeHeartbeatPing:
		return r.handlePing(sess, env, broadcast)
	case protocol.TypePresenceUpdate:
		return r.handlePresence(sess, env, broadcast)
	case protocol.TypeContextAdd:
		return r.handleContextAdd(sess, env, broadcast)
	case protocol.TypeContextUpdate:
		return r.handleContextUpdate(sess, env, broadcast)
	case protocol.TypeContextRemove:
		return r.handleContextRemove(sess, env, broadcast)
	case protocol.TypePromptSubmit:
		return r.handlePrompt(sess, env, broadcast)
	case protocol.TypeToolPropose:
		return r.handleToolPropose(sess, env, broadcast)
	case protocol.TypeToolResult:
		return r.handleToolResult(sess, env, broadcast)
	case protocol.TypeGateApprove:
		return r.handleGateApprove(sess, env, broadcast)
	case protocol.TypeGateReject:
		return r.handleGateReject(sess, env, broadcast)
	case protocol.TypeGateTimeout:
		return r.handleGateTimeout(sess, env, broadcast)
	case protocol.TypeInterruptRaise:
		return r.handleInterrupt(sess, env, broadcast)
	case protocol.TypeForkCreate:
		return r.handleForkCreate(sess, env, broadcast)
	case protocol.TypeError:
		broadcast(env, nil)
		return nil
	default:
		// Unrecognized types pass through unchanged so newer clients can
		// talk past an older server.
		broadcast(env, nil)
		return nil
	}
}

// only builds a delivery filter matching a single participant.
func only(id string) func(string) bool {
	return func(pid string) bool { return pid == id }
}

// contextVisible reports whether a visibility set admits the given
// participant. An empty set means visible to everyone.
func contextVisible(visibleTo []string, id string) bool {
	if len(visibleTo) == 0 {
		return true
	}
	for _, v := range visibleTo {
		if v == id {
			return true
		}
	}
	return false
}

// visibleTo builds a delivery filter from a context item's visibility.
func visibleTo(item *sharedctx.Item) func(string) bool {
	if len(item.VisibleTo) == 0 {
		return nil
	}
	return item.VisibleToParticipant
}

func payloadAs[T any](env *protocol.Envelope) (*T, error) {
	p, ok := env.Payload.(*T)
	if !ok {
		return nil, protocol.InvalidState("unexpected payload for %s", env.Type)
	}
	return p, nil
}

func (r *Router) handleJoin(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.JoinPayload](env)
	if err != nil {
		return err
	}

	info := participant.Info{
		ID:           env.Sender,
		Name:         p.Name,
		Type:         participant.Type(p.ParticipantType),
		Roles:        p.Roles,
		Capabilities: p.Capabilities,
		Transport:    p.Transport,
	}
	if err := sess.AddParticipant(participant.New(info, r.now())); err != nil {
		return err
	}
	metrics.ParticipantsJoined.WithLabelValues(p.ParticipantType).Inc()

	// Replay to the joiner only: who is already here, everything said so
	// far, and where we are working. Replays precede the announcement so
	// the joiner never sees its own join before the state it describes.
	toJoiner := only(env.Sender)
	for _, existing := range sess.Participants() {
		if existing.Info.ID == env.Sender {
			continue
		}
		broadcast(protocol.New(protocol.TypeSessionJoin, sess.ID, existing.Info.ID, &protocol.JoinPayload{
			Name:            existing.Info.Name,
			ParticipantType: string(existing.Info.Type),
			Roles:           existing.Info.Roles,
			Capabilities:    existing.Info.Capabilities,
			Transport:       existing.Info.Transport,
		}), toJoiner)
	}
	// Context-bearing history honors each item's visibility set; everything
	// else replays unconditionally. Updates inherit the visibility of the
	// add that established the key.
	keyVisibility := make(map[string][]string)
	for _, msg := range sess.Messages() {
		switch pl := msg.Payload.(type) {
		case *protocol.ContextAddPayload:
			keyVisibility[pl.Key] = pl.VisibleTo
			if !contextVisible(pl.VisibleTo, env.Sender) {
				continue
			}
		case *protocol.ContextUpdatePayload:
			if !contextVisible(keyVisibility[pl.Key], env.Sender) {
				continue
			}
		case *protocol.ContextRemovePayload:
			delete(keyVisibility, pl.Key)
		}
		broadcast(msg, toJoiner)
	}
	if wd := sess.Context(session.WorkingDirectoryKey); wd != nil && wd.VisibleToParticipant(env.Sender) {
		broadcast(protocol.New(protocol.TypeContextAdd, sess.ID, wd.AddedBy, &protocol.ContextAddPayload{
			Key:         wd.Key,
			ContentType: wd.ContentType,
			Content:     wd.Content,
			ContentRef:  wd.ContentRef,
			VisibleTo:   wd.VisibleTo,
		}), toJoiner)
	}

	broadcast(env, nil)
	return nil
}

func (r *Router) handleLeave(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	if err := sess.RemoveParticipant(env.Sender); err != nil {
		return err
	}
	broadcast(env, nil)
	return nil
}

func (r *Router) handleConfigUpdate(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ConfigUpdatePayload](env)
	if err != nil {
		return err
	}
	if sender := sess.Participant(env.Sender); sender != nil && !participant.CanManageParticipants(sender.Info) {
		return protocol.Unauthorized("%s may not update session config", env.Sender)
	}
	sess.Config.Merge(p)
	broadcast(env, nil)
	return nil
}

func (r *Router) handleRoleChange(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.RoleChangePayload](env)
	if err != nil {
		return err
	}
	if sender := sess.Participant(env.Sender); sender != nil && !participant.CanManageParticipants(sender.Info) {
		return protocol.Unauthorized("%s may not change roles", env.Sender)
	}
	target := sess.Participant(p.Participant)
	if target == nil {
		return protocol.NotFound("participant %s not in session", p.Participant)
	}
	old, updated := participant.ChangeRoles(&target.Info, p.Roles)
	r.log.Info().
		Str("session", sess.ID).
		Str("participant", p.Participant).
		Strs("old_roles", old).
		Strs("new_roles", updated).
		Msg("roles changed")
	broadcast(env, nil)
	return nil
}

func (r *Router) handlePing(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	sender := sess.Participant(env.Sender)
	if sender == nil {
		return protocol.NotFound("participant %s not in session", env.Sender)
	}
	sender.Heartbeat(r.now())
	broadcast(protocol.New(protocol.TypeHeartbeatPong, sess.ID, SystemSender, &protocol.PongPayload{
		PingID: env.ID,
	}), only(env.Sender))
	return nil
}

func (r *Router) handlePresence(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.PresencePayload](env)
	if err != nil {
		return err
	}
	if env.Sender != SystemSender && env.Sender != p.Participant {
		return protocol.Unauthorized("%s may not set presence for %s", env.Sender, p.Participant)
	}
	target := sess.Participant(p.Participant)
	if target == nil {
		return protocol.NotFound("participant %s not in session", p.Participant)
	}
	target.Presence = participant.Presence(p.Presence)
	broadcast(env, nil)
	return nil
}

func (r *Router) handleContextAdd(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ContextAddPayload](env)
	if err != nil {
		return err
	}
	if sender := sess.Participant(env.Sender); sender != nil && !participant.CanAddContext(sender.Info) {
		return protocol.Unauthorized("%s may not add context", env.Sender)
	}
	return r.addContext(sess, env, p, broadcast)
}

// addContext records and broadcasts a context item without an authority
// check; the caller decides whose capability covers the write. Provenance
// stays with the envelope sender.
func (r *Router) addContext(sess *session.Session, env *protocol.Envelope, p *protocol.ContextAddPayload, broadcast Broadcast) error {
	item, err := sharedctx.New(p, env.Sender, r.now())
	if err != nil {
		return err
	}
	sess.SetContext(item)
	sess.AddMessage(env)
	broadcast(env, visibleTo(item))
	return nil
}

func (r *Router) handleContextUpdate(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ContextUpdatePayload](env)
	if err != nil {
		return err
	}
	if sender := sess.Participant(env.Sender); sender != nil && !participant.CanAddContext(sender.Info) {
		return protocol.Unauthorized("%s may not update context", env.Sender)
	}
	item := sess.Context(p.Key)
	if item == nil {
		return protocol.NotFound("no context item %q", p.Key)
	}
	if err := item.Apply(p, r.now()); err != nil {
		return err
	}
	sess.AddMessage(env)
	broadcast(env, visibleTo(item))
	return nil
}

func (r *Router) handleContextRemove(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ContextRemovePayload](env)
	if err != nil {
		return err
	}
	if sender := sess.Participant(env.Sender); sender != nil && !participant.CanAddContext(sender.Info) {
		return protocol.Unauthorized("%s may not remove context", env.Sender)
	}
	if err := sess.RemoveContext(p.Key); err != nil {
		return err
	}
	sess.AddMessage(env)
	broadcast(env, nil)
	return nil
}

func (r *Router) handlePrompt(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.PromptSubmitPayload](env)
	if err != nil {
		return err
	}
	sender := sess.Participant(env.Sender)
	if sender == nil || !participant.CanPrompt(sender.Info) {
		return protocol.Unauthorized("%s may not submit prompts", env.Sender)
	}
	// A prompt cannot land while the target still has unresolved tool
	// proposals; settling the batch first keeps the agent's conversation
	// consistent.
	if p.TargetAgent != "" {
		if sess.AgentBusy(p.TargetAgent) {
			return protocol.InvalidState("agent %s has unresolved tool proposals", p.TargetAgent)
		}
	} else {
		for _, member := range sess.Participants() {
			if member.Info.Type == participant.TypeAgent && sess.AgentBusy(member.Info.ID) {
				return protocol.InvalidState("agent %s has unresolved tool proposals", member.Info.ID)
			}
		}
	}
	sender.Touch(r.now())
	sess.AddMessage(env)
	broadcast(env, nil)
	return nil
}

func (r *Router) handleToolPropose(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ToolProposePayload](env)
	if err != nil {
		return err
	}
	metrics.ToolsProposed.WithLabelValues(p.Category).Inc()

	// The proposal enters history first; gate approval and execution refer
	// to it by message id.
	sess.AddMessage(env)
	sess.MarkAgentBusy(env.Sender)

	needsApproval := p.RequiresApproval || sess.Config.RequiresApproval(p.Category)
	if !needsApproval {
		metrics.ToolsAutoApproved.Inc()
		broadcast(protocol.New(protocol.TypeToolExecute, sess.ID, SystemSender, &protocol.ToolExecutePayload{
			ToolProposal: env.ID,
			ApprovedBy:   []string{},
		}), nil)
		broadcast(env, nil)
		return nil
	}

	req := protocol.GateRequestPayload{
		ActionType:     "tool",
		ActionRef:      env.ID,
		Quorum:         sess.Config.DefaultGateQuorum,
		TimeoutSeconds: int(sess.Config.GateTimeout / time.Second),
		Message:        p.Description,
	}
	g := gate.New(req, r.now())
	if err := sess.AddGate(env.ID, g); err != nil {
		return err
	}
	metrics.GatesOpened.Inc()

	broadcast(env, nil)
	broadcast(protocol.New(protocol.TypeGateRequest, sess.ID, SystemSender, &req), nil)
	return nil
}

func (r *Router) handleGateApprove(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.GateApprovePayload](env)
	if err != nil {
		return err
	}
	sender := sess.Participant(env.Sender)
	if sender == nil || !participant.CanApprove(sender.Info) {
		return protocol.Unauthorized("%s may not approve gates", env.Sender)
	}
	g := sess.Gate(p.GateRef)
	if g == nil {
		return protocol.NotFound("no pending gate for %s", p.GateRef)
	}

	if !g.AddApproval(env.Sender) {
		r.log.Debug().
			Str("session", sess.ID).
			Str("gate", g.ID).
			Str("approver", env.Sender).
			Msg("duplicate approval ignored")
	}
	sender.Touch(r.now())
	sess.AddMessage(env)
	broadcast(env, nil)

	if res := gate.EvaluateQuorum(g, sess.Participants()); res.Met {
		if err := sess.RemoveGate(p.GateRef); err != nil {
			return err
		}
		metrics.GatesResolved.WithLabelValues("approved").Inc()
		if sess.FindMessage(g.ActionRef) == nil {
			return protocol.NotFound("proposal %s missing from history", g.ActionRef)
		}
		broadcast(protocol.New(protocol.TypeToolExecute, sess.ID, SystemSender, &protocol.ToolExecutePayload{
			ToolProposal: g.ActionRef,
			ApprovedBy:   append([]string(nil), g.Approvals...),
		}), nil)
	}
	return nil
}

func (r *Router) handleGateReject(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.GateRejectPayload](env)
	if err != nil {
		return err
	}
	sender := sess.Participant(env.Sender)
	if sender == nil || !participant.CanApprove(sender.Info) {
		return protocol.Unauthorized("%s may not reject gates", env.Sender)
	}
	g := sess.Gate(p.GateRef)
	if g == nil {
		return protocol.NotFound("no pending gate for %s", p.GateRef)
	}

	// One authorized rejection is final. No quorum applies to rejection;
	// approval and rejection are asymmetric in favor of safety.
	g.AddRejection(env.Sender)
	if err := sess.RemoveGate(p.GateRef); err != nil {
		return err
	}
	metrics.GatesResolved.WithLabelValues("rejected").Inc()

	if proposal := sess.FindMessage(g.ActionRef); proposal != nil {
		sess.ReleaseAgent(proposal.Sender)
	}
	sender.Touch(r.now())
	sess.AddMessage(env)
	broadcast(env, nil)
	return nil
}

func (r *Router) handleGateTimeout(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.GateTimeoutPayload](env)
	if err != nil {
		return err
	}
	g := sess.Gate(p.GateRef)
	if g == nil {
		return protocol.NotFound("no pending gate for %s", p.GateRef)
	}
	if err := sess.RemoveGate(p.GateRef); err != nil {
		return err
	}
	metrics.GatesResolved.WithLabelValues("expired").Inc()
	sess.AddMessage(env)
	broadcast(env, nil)

	if p.Resolution == ResolutionApproved {
		broadcast(protocol.New(protocol.TypeToolExecute, sess.ID, SystemSender, &protocol.ToolExecutePayload{
			ToolProposal: g.ActionRef,
			ApprovedBy:   append([]string(nil), g.Approvals...),
		}), nil)
		return nil
	}
	// Expired without approval: treated like a rejection.
	if proposal := sess.FindMessage(g.ActionRef); proposal != nil {
		sess.ReleaseAgent(proposal.Sender)
	}
	return nil
}

func (r *Router) handleToolResult(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ToolResultPayload](env)
	if err != nil {
		return err
	}
	sess.AddMessage(env)
	sess.ReleaseAgent(env.Sender)
	broadcast(env, nil)

	if !p.Success {
		return nil
	}
	proposal := sess.FindMessage(p.ToolProposal)
	if proposal == nil {
		return nil
	}
	prop, ok := proposal.Payload.(*protocol.ToolProposePayload)
	if !ok || prop.Category != "file_write" {
		return nil
	}

	// A successful file write becomes a derived context item so every
	// participant's view of the file stays in sync without a fetch.
	path, _ := prop.Arguments["path"].(string)
	content, _ := prop.Arguments["content"].(string)
	if path == "" {
		return nil
	}
	echo := protocol.New(protocol.TypeContextAdd, sess.ID, env.Sender, &protocol.ContextAddPayload{
		Key:         "file:" + path,
		ContentType: "text/plain",
		Content:     content,
	})
	item, err := sharedctx.New(echo.Payload.(*protocol.ContextAddPayload), env.Sender, r.now())
	if err != nil {
		return err
	}
	sess.SetContext(item)
	sess.AddMessage(echo)
	broadcast(echo, nil)
	return nil
}

func (r *Router) handleInterrupt(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.InterruptPayload](env)
	if err != nil {
		return err
	}
	sender := sess.Participant(env.Sender)
	if sender == nil || !participant.CanInterrupt(sender.Info) {
		return protocol.Unauthorized("%s may not raise interrupts", env.Sender)
	}
	sender.Touch(r.now())
	sess.AddMessage(env)
	broadcast(env, nil)

	if p.Context != "" {
		// The interrupt capability covers the injected note even when the
		// sender lacks add_context.
		addPayload := &protocol.ContextAddPayload{
			Key:         "interrupt:" + env.ID,
			ContentType: "text/plain",
			Content:     p.Context,
		}
		add := protocol.New(protocol.TypeContextAdd, sess.ID, env.Sender, addPayload)
		if err := r.addContext(sess, add, addPayload, broadcast); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleForkCreate(sess *session.Session, env *protocol.Envelope, broadcast Broadcast) error {
	p, err := payloadAs[protocol.ForkCreatePayload](env)
	if err != nil {
		return err
	}
	sender := sess.Participant(env.Sender)
	if sender == nil || !participant.CanFork(sender.Info) {
		return protocol.Unauthorized("%s may not fork the session", env.Sender)
	}
	if !sess.Config.AllowForks {
		return protocol.InvalidState("forks are disabled for this session")
	}
	if p.FromMessage != "" && sess.FindMessage(p.FromMessage) == nil {
		return protocol.NotFound("branch point %s missing from history", p.FromMessage)
	}
	if err := sess.AddFork(&session.Fork{
		Name:        p.Name,
		FromMessage: p.FromMessage,
		CreatedBy:   env.Sender,
		CreatedAt:   r.now(),
	}); err != nil {
		return err
	}
	sess.AddMessage(env)
	broadcast(env, nil)
	return nil
}
