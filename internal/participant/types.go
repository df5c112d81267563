package participant

import "time"

// Type distinguishes human operators from AI agents.
type Type string

const (
	TypeHuman Type = "human"
	TypeAgent Type = "agent"
)

// Presence is a participant's liveness state.
type Presence string

const (
	PresenceActive       Presence = "active"
	PresenceIdle         Presence = "idle"
	PresenceAway         Presence = "away"
	PresenceDisconnected Presence = "disconnected"
)

// Info is the identity half of a participant: who they are and what they
// are allowed to do. Roles and capabilities are independent axes.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         Type     `json:"type"`
	Roles        []string `json:"roles,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Transport    string   `json:"transport,omitempty"`
}

// Participant is a session member: identity plus presence state. Membership
// is binary; there is no partially-joined participant.
type Participant struct {
	Info          Info      `json:"info"`
	Presence      Presence  `json:"presence"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastActive    time.Time `json:"last_active"`
}

// New creates an active participant joining at now.
func New(info Info, now time.Time) *Participant {
	return &Participant{
		Info:          info,
		Presence:      PresenceActive,
		LastHeartbeat: now,
		LastActive:    now,
	}
}

// Heartbeat records a liveness probe and revives idle or away participants.
func (p *Participant) Heartbeat(now time.Time) {
	p.LastHeartbeat = now
	if p.Presence == PresenceIdle || p.Presence == PresenceAway {
		p.Presence = PresenceActive
	}
}

// Touch records activity, which also counts as a heartbeat.
func (p *Participant) Touch(now time.Time) {
	p.LastActive = now
	p.Heartbeat(now)
}
