package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemlab/tandem/internal/participant"
	"github.com/tandemlab/tandem/internal/protocol"
)

func human(id string, roles ...string) *participant.Participant {
	return participant.New(participant.Info{
		ID:    id,
		Name:  id,
		Type:  participant.TypeHuman,
		Roles: roles,
	}, time.Now().UTC())
}

func agent(id string) *participant.Participant {
	return participant.New(participant.Info{
		ID:    id,
		Name:  id,
		Type:  participant.TypeAgent,
		Roles: []string{"driver"},
	}, time.Now().UTC())
}

func newGate(q protocol.QuorumRule, timeoutSecs int) *Gate {
	return New(protocol.GateRequestPayload{
		ActionType:     "tool",
		ActionRef:      "msg-1",
		Quorum:         q,
		TimeoutSeconds: timeoutSecs,
	}, time.Now().UTC())
}

func TestApprovalDeduplication(t *testing.T) {
	g := newGate(protocol.QuorumRule{Type: protocol.QuorumAny, Count: 2}, 0)

	require.True(t, g.AddApproval("alice"))
	require.False(t, g.AddApproval("alice"), "second approval from same participant must not count")
	assert.Len(t, g.Approvals, 1)

	members := []*participant.Participant{human("alice", "approver"), human("bob", "approver")}
	res := EvaluateQuorum(g, members)
	assert.False(t, res.Met, "one distinct approver must not satisfy an any-2 quorum")

	require.True(t, g.AddApproval("bob"))
	res = EvaluateQuorum(g, members)
	assert.True(t, res.Met)
}

func TestQuorumAnyIgnoresIneligibleApprovals(t *testing.T) {
	g := newGate(protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1}, 0)
	g.AddApproval("watcher")
	g.AddApproval("bot")

	members := []*participant.Participant{
		human("watcher", "observer"), // no approve role or capability
		agent("bot"),                 // agents never approve
		human("alice", "approver"),
	}
	res := EvaluateQuorum(g, members)
	assert.False(t, res.Met, "approvals from ineligible participants must not count")

	g.AddApproval("alice")
	res = EvaluateQuorum(g, members)
	assert.True(t, res.Met)
}

func TestQuorumAll(t *testing.T) {
	g := newGate(protocol.QuorumRule{Type: protocol.QuorumAll}, 0)
	members := []*participant.Participant{
		human("alice", "approver"),
		human("bob", "admin"),
		agent("coder"), // not eligible, must not block "all"
	}

	g.AddApproval("alice")
	res := EvaluateQuorum(g, members)
	require.False(t, res.Met)
	assert.Contains(t, res.Reason, "bob")

	g.AddApproval("bob")
	res = EvaluateQuorum(g, members)
	assert.True(t, res.Met)
}

func TestQuorumAllWithNoEligibleApprovers(t *testing.T) {
	g := newGate(protocol.QuorumRule{Type: protocol.QuorumAll}, 0)
	members := []*participant.Participant{agent("coder"), human("watcher", "observer")}

	res := EvaluateQuorum(g, members)
	assert.False(t, res.Met, "an empty eligible set must never auto-approve")
}

func TestQuorumNamed(t *testing.T) {
	g := newGate(protocol.QuorumRule{
		Type:         protocol.QuorumNamed,
		Participants: []string{"alice", "carol"},
	}, 0)
	members := []*participant.Participant{
		human("alice", "approver"),
		human("bob", "approver"),
		human("carol", "approver"),
	}

	g.AddApproval("alice")
	g.AddApproval("bob") // not in the named set
	res := EvaluateQuorum(g, members)
	require.False(t, res.Met)

	g.AddApproval("carol")
	res = EvaluateQuorum(g, members)
	assert.True(t, res.Met)
}

func TestQuorumNamedIgnoresIneligibleMembers(t *testing.T) {
	g := newGate(protocol.QuorumRule{
		Type:         protocol.QuorumNamed,
		Participants: []string{"alice", "coder", "watcher"},
	}, 0)
	members := []*participant.Participant{
		human("alice", "approver"),
		agent("coder"),               // agents never approve
		human("watcher", "observer"), // no approve role or capability
	}

	res := EvaluateQuorum(g, members)
	require.False(t, res.Met)
	assert.Contains(t, res.Reason, "alice")

	// The only eligible named member approving satisfies the gate; the two
	// ineligible names must not hold it open forever.
	g.AddApproval("alice")
	res = EvaluateQuorum(g, members)
	assert.True(t, res.Met)
}

func TestQuorumNamedWithNoEligibleMembers(t *testing.T) {
	g := newGate(protocol.QuorumRule{
		Type:         protocol.QuorumNamed,
		Participants: []string{"coder"},
	}, 0)
	members := []*participant.Participant{agent("coder"), human("alice", "approver")}

	res := EvaluateQuorum(g, members)
	assert.False(t, res.Met, "a named set with no eligible approvers must never auto-approve")
	assert.Equal(t, "no eligible named approvers", res.Reason)
}

func TestExpiry(t *testing.T) {
	now := time.Now().UTC()

	g := New(protocol.GateRequestPayload{ActionRef: "m", TimeoutSeconds: 60}, now)
	require.NotNil(t, g.ExpiresAt)
	assert.False(t, g.Expired(now.Add(30*time.Second)))
	assert.True(t, g.Expired(now.Add(61*time.Second)))

	// No timeout means no deadline.
	forever := New(protocol.GateRequestPayload{ActionRef: "m"}, now)
	require.Nil(t, forever.ExpiresAt)
	assert.False(t, forever.Expired(now.Add(24*time.Hour)))
}

func TestRejectionDeduplication(t *testing.T) {
	g := newGate(protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1}, 0)
	require.True(t, g.AddRejection("alice"))
	require.False(t, g.AddRejection("alice"))
	assert.Len(t, g.Rejections, 1)
}
