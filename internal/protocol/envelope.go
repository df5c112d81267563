package protocol

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies the payload variant carried by an envelope.
type Type string

const (
	TypeSessionJoin         Type = "session.join"
	TypeSessionLeave        Type = "session.leave"
	TypeSessionConfigUpdate Type = "session.config_update"
	TypeRoleChange          Type = "participant.role_change"
	TypeHeartbeatPing       Type = "heartbeat.ping"
	TypeHeartbeatPong       Type = "heartbeat.pong"
	TypePresenceUpdate      Type = "presence.update"
	TypeContextAdd          Type = "context.add"
	TypeContextUpdate       Type = "context.update"
	TypeContextRemove       Type = "context.remove"
	TypePromptSubmit        Type = "prompt.submit"
	TypeToolPropose         Type = "tool.propose"
	TypeToolExecute         Type = "tool.execute"
	TypeToolResult          Type = "tool.result"
	TypeGateRequest         Type = "gate.request"
	TypeGateApprove         Type = "gate.approve"
	TypeGateReject          Type = "gate.reject"
	TypeGateTimeout         Type = "gate.timeout"
	TypeInterruptRaise      Type = "interrupt.raise"
	TypeForkCreate          Type = "fork.create"
	TypeError               Type = "error"
)

// Envelope is the wire shape every session message travels in. Seq is
// assigned by the session under total ordering and is nil otherwise.
type Envelope struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Session string    `json:"session"`
	Sender  string    `json:"sender"`
	TS      time.Time `json:"ts"`
	Seq     *uint64   `json:"seq,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// New builds an envelope with a fresh ULID and the current timestamp.
func New(typ Type, sessionID, sender string, payload any) *Envelope {
	return &Envelope{
		ID:      ulid.Make().String(),
		Type:    typ,
		Session: sessionID,
		Sender:  sender,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

// envelopeJSON mirrors Envelope with a raw payload for two-step decoding.
type envelopeJSON struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Session string          `json:"session"`
	Sender  string          `json:"sender"`
	TS      time.Time       `json:"ts"`
	Seq     *uint64         `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON decodes the payload into the concrete struct registered for
// the envelope type. Unrecognized types keep the raw payload bytes so the
// router can pass them through unchanged.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = raw.ID
	e.Type = raw.Type
	e.Session = raw.Session
	e.Sender = raw.Sender
	e.TS = raw.TS
	e.Seq = raw.Seq
	e.Payload = nil

	if len(raw.Payload) == 0 {
		return nil
	}

	payload := newPayload(raw.Type)
	if payload == nil {
		e.Payload = raw.Payload
		return nil
	}
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// newPayload returns a zero value of the payload struct for a known type,
// or nil for types the protocol does not recognize.
func newPayload(typ Type) any {
	switch typ {
	case TypeSessionJoin:
		return &JoinPayload{}
	case TypeSessionLeave:
		return &LeavePayload{}
	case TypeSessionConfigUpdate:
		return &ConfigUpdatePayload{}
	case TypeRoleChange:
		return &RoleChangePayload{}
	case TypeHeartbeatPing:
		return &PingPayload{}
	case TypeHeartbeatPong:
		return &PongPayload{}
	case TypePresenceUpdate:
		return &PresencePayload{}
	case TypeContextAdd:
		return &ContextAddPayload{}
	case TypeContextUpdate:
		return &ContextUpdatePayload{}
	case TypeContextRemove:
		return &ContextRemovePayload{}
	case TypePromptSubmit:
		return &PromptSubmitPayload{}
	case TypeToolPropose:
		return &ToolProposePayload{}
	case TypeToolExecute:
		return &ToolExecutePayload{}
	case TypeToolResult:
		return &ToolResultPayload{}
	case TypeGateRequest:
		return &GateRequestPayload{}
	case TypeGateApprove:
		return &GateApprovePayload{}
	case TypeGateReject:
		return &GateRejectPayload{}
	case TypeGateTimeout:
		return &GateTimeoutPayload{}
	case TypeInterruptRaise:
		return &InterruptPayload{}
	case TypeForkCreate:
		return &ForkCreatePayload{}
	case TypeError:
		return &ErrorPayload{}
	}
	return nil
}
