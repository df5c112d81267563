package gate

import (
	"time"

	"github.com/google/uuid"

	"github.com/tandemlab/tandem/internal/participant"
	"github.com/tandemlab/tandem/internal/protocol"
)

// Gate is a pending approval checkpoint blocking exactly one proposed
// action. It is terminal the instant quorum is met, any authorized
// rejection arrives, or it expires; the session removes it on any of the
// three.
type Gate struct {
	ID         string              `json:"id"`
	ActionType string              `json:"action_type"`
	ActionRef  string              `json:"action_ref"`
	Quorum     protocol.QuorumRule `json:"quorum"`
	Approvals  []string            `json:"approvals"`
	Rejections []string            `json:"rejections"`
	Message    string              `json:"message,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  *time.Time          `json:"expires_at,omitempty"`
}

// New creates a gate from a request. A non-positive timeout means the gate
// never expires.
func New(req protocol.GateRequestPayload, now time.Time) *Gate {
	g := &Gate{
		ID:         uuid.NewString(),
		ActionType: req.ActionType,
		ActionRef:  req.ActionRef,
		Quorum:     req.Quorum,
		Approvals:  []string{},
		Rejections: []string{},
		Message:    req.Message,
		CreatedAt:  now,
	}
	if req.TimeoutSeconds > 0 {
		expires := now.Add(time.Duration(req.TimeoutSeconds) * time.Second)
		g.ExpiresAt = &expires
	}
	return g
}

// AddApproval records an approval, deduplicating by participant id. The
// same approver approving twice counts once toward quorum.
func (g *Gate) AddApproval(participantID string) bool {
	for _, id := range g.Approvals {
		if id == participantID {
			return false
		}
	}
	g.Approvals = append(g.Approvals, participantID)
	return true
}

// AddRejection records a rejection. Rejections are never quorum-evaluated;
// the caller resolves the gate on the first authorized one.
func (g *Gate) AddRejection(participantID string) bool {
	for _, id := range g.Rejections {
		if id == participantID {
			return false
		}
	}
	g.Rejections = append(g.Rejections, participantID)
	return true
}

// Expired reports whether the gate's deadline has passed. Gates without a
// deadline never expire; the expiry sweep is owned by an external timer.
func (g *Gate) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// QuorumResult is the outcome of evaluating a gate's quorum rule.
type QuorumResult struct {
	Met    bool
	Reason string
}

// EvaluateQuorum applies the gate's quorum rule against the current
// participant set. Eligible approvers are participants passing CanApprove,
// intersected with the rule's named scope when it has one. Approvals from
// non-eligible participants never count.
func EvaluateQuorum(g *Gate, participants []*participant.Participant) QuorumResult {
	eligible := make(map[string]bool)
	for _, p := range participants {
		if participant.CanApprove(p.Info) {
			eligible[p.Info.ID] = true
		}
	}

	switch g.Quorum.Type {
	case protocol.QuorumAny:
		count := 0
		for _, id := range g.Approvals {
			if eligible[id] {
				count++
			}
		}
		if count >= g.Quorum.Count {
			return QuorumResult{Met: true}
		}
		return QuorumResult{Reason: "insufficient approvals"}

	case protocol.QuorumAll:
		approved := make(map[string]bool, len(g.Approvals))
		for _, id := range g.Approvals {
			approved[id] = true
		}
		if len(eligible) == 0 {
			return QuorumResult{Reason: "no eligible approvers"}
		}
		for id := range eligible {
			if !approved[id] {
				return QuorumResult{Reason: "awaiting approver " + id}
			}
		}
		return QuorumResult{Met: true}

	case protocol.QuorumNamed:
		approved := make(map[string]bool, len(g.Approvals))
		for _, id := range g.Approvals {
			approved[id] = true
		}
		// Named members who can never approve don't block the gate; only
		// the intersection with the eligible set counts.
		eligibleNamed := 0
		for _, id := range g.Quorum.Participants {
			if !eligible[id] {
				continue
			}
			eligibleNamed++
			if !approved[id] {
				return QuorumResult{Reason: "awaiting approver " + id}
			}
		}
		if eligibleNamed == 0 {
			return QuorumResult{Reason: "no eligible named approvers"}
		}
		return QuorumResult{Met: true}
	}

	return QuorumResult{Reason: "unknown quorum type"}
}
