package session

import (
	"time"

	"github.com/tandemlab/tandem/internal/protocol"
)

// OrderingMode selects how message order is established.
type OrderingMode string

const (
	// OrderingCausal appends messages in arrival order with no sequence
	// numbers.
	OrderingCausal OrderingMode = "causal"
	// OrderingTotal assigns a strictly increasing, gapless sequence number
	// to every appended message.
	OrderingTotal OrderingMode = "total"
)

// ApproveAll is the require_approval_for value gating every tool category.
const ApproveAll = "all"

// Config is the mutable per-session policy.
type Config struct {
	RequireApprovalFor []string            `json:"require_approval_for,omitempty"`
	DefaultGateQuorum  protocol.QuorumRule `json:"default_gate_quorum"`
	AllowForks         bool                `json:"allow_forks"`
	MaxParticipants    int                 `json:"max_participants,omitempty"`
	OrderingMode       OrderingMode        `json:"ordering_mode"`
	HeartbeatInterval  time.Duration       `json:"heartbeat_interval"`
	IdleTimeout        time.Duration       `json:"idle_timeout"`
	AwayTimeout        time.Duration       `json:"away_timeout"`
	GateTimeout        time.Duration       `json:"gate_timeout"`
}

// DefaultConfig returns a safe starting policy: one human approval for
// shell and file writes, total ordering, forks allowed.
func DefaultConfig() Config {
	return Config{
		RequireApprovalFor: []string{"shell", "file_write", "commit"},
		DefaultGateQuorum:  protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1},
		AllowForks:         true,
		MaxParticipants:    16,
		OrderingMode:       OrderingTotal,
		HeartbeatInterval:  15 * time.Second,
		IdleTimeout:        2 * time.Minute,
		AwayTimeout:        10 * time.Minute,
		GateTimeout:        5 * time.Minute,
	}
}

// RequiresApproval reports whether the config gates the given tool category.
func (c Config) RequiresApproval(category string) bool {
	for _, entry := range c.RequireApprovalFor {
		if entry == ApproveAll || entry == category {
			return true
		}
	}
	return false
}

// Merge applies the non-nil fields of a config update.
func (c *Config) Merge(p *protocol.ConfigUpdatePayload) {
	if p.RequireApprovalFor != nil {
		c.RequireApprovalFor = append([]string(nil), (*p.RequireApprovalFor)...)
	}
	if p.DefaultGateQuorum != nil {
		c.DefaultGateQuorum = *p.DefaultGateQuorum
	}
	if p.AllowForks != nil {
		c.AllowForks = *p.AllowForks
	}
	if p.MaxParticipants != nil {
		c.MaxParticipants = *p.MaxParticipants
	}
	if p.OrderingMode != nil {
		c.OrderingMode = OrderingMode(*p.OrderingMode)
	}
	if p.HeartbeatIntervalSecs != nil {
		c.HeartbeatInterval = time.Duration(*p.HeartbeatIntervalSecs) * time.Second
	}
	if p.IdleTimeoutSecs != nil {
		c.IdleTimeout = time.Duration(*p.IdleTimeoutSecs) * time.Second
	}
	if p.AwayTimeoutSecs != nil {
		c.AwayTimeout = time.Duration(*p.AwayTimeoutSecs) * time.Second
	}
	if p.GateTimeoutSecs != nil {
		c.GateTimeout = time.Duration(*p.GateTimeoutSecs) * time.Second
	}
}
