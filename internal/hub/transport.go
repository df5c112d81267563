package hub

import (
	"github.com/tandemlab/tandem/internal/protocol"
)

// ChannelTransport is an in-process transport for agents and tests. Sends
// never block: a full buffer drops the message and reports the drop.
type ChannelTransport struct {
	id string
	ch chan *protocol.Envelope
}

// NewChannelTransport creates a transport for the given participant with
// the given delivery buffer.
func NewChannelTransport(participantID string, buffer int) *ChannelTransport {
	return &ChannelTransport{
		id: participantID,
		ch: make(chan *protocol.Envelope, buffer),
	}
}

// ParticipantID identifies the connection's participant.
func (t *ChannelTransport) ParticipantID() string {
	return t.id
}

// Send delivers an envelope to the receiver, or fails when the buffer is
// full.
func (t *ChannelTransport) Send(env *protocol.Envelope) error {
	select {
	case t.ch <- env:
		return nil
	default:
		return protocol.InvalidState("delivery buffer full for %s", t.id)
	}
}

// Receive exposes the delivery channel.
func (t *ChannelTransport) Receive() <-chan *protocol.Envelope {
	return t.ch
}
