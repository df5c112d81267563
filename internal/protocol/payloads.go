package protocol

// QuorumType selects how a quorum rule counts approvals.
type QuorumType string

const (
	// QuorumAny is satisfied by any Count distinct eligible approvers.
	QuorumAny QuorumType = "any"
	// QuorumAll requires every eligible approver to approve.
	QuorumAll QuorumType = "all"
	// QuorumNamed requires every listed participant to approve.
	QuorumNamed QuorumType = "named"
)

// QuorumRule is the policy determining when a gate is approved.
type QuorumRule struct {
	Type         QuorumType `json:"type"`
	Count        int        `json:"count,omitempty"`
	Participants []string   `json:"participants,omitempty"`
}

// JoinPayload announces a participant entering the session.
type JoinPayload struct {
	Name            string   `json:"name"`
	ParticipantType string   `json:"participant_type"` // "human" or "agent"
	Roles           []string `json:"roles,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Transport       string   `json:"transport,omitempty"`
}

// LeavePayload announces a participant leaving the session.
type LeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ConfigUpdatePayload carries a partial session config. Nil fields are left
// untouched by the merge.
type ConfigUpdatePayload struct {
	RequireApprovalFor      *[]string   `json:"require_approval_for,omitempty"`
	DefaultGateQuorum       *QuorumRule `json:"default_gate_quorum,omitempty"`
	AllowForks              *bool       `json:"allow_forks,omitempty"`
	MaxParticipants         *int        `json:"max_participants,omitempty"`
	OrderingMode            *string     `json:"ordering_mode,omitempty"`
	HeartbeatIntervalSecs   *int        `json:"heartbeat_interval_seconds,omitempty"`
	IdleTimeoutSecs         *int        `json:"idle_timeout_seconds,omitempty"`
	AwayTimeoutSecs         *int        `json:"away_timeout_seconds,omitempty"`
	GateTimeoutSecs         *int        `json:"gate_timeout_seconds,omitempty"`
}

// RoleChangePayload replaces a participant's role set wholesale.
type RoleChangePayload struct {
	Participant string   `json:"participant"`
	Roles       []string `json:"roles"`
}

// PingPayload is an empty heartbeat probe.
type PingPayload struct{}

// PongPayload answers a ping, echoing its message id.
type PongPayload struct {
	PingID string `json:"ping_id,omitempty"`
}

// PresencePayload reports a participant's presence state.
type PresencePayload struct {
	Participant string `json:"participant"`
	Presence    string `json:"presence"` // active | idle | away | disconnected
}

// ContextAddPayload creates or overwrites a shared context item. Content and
// ContentRef are mutually exclusive; large payloads travel by reference.
// An empty VisibleTo means visible to every participant.
type ContextAddPayload struct {
	Key         string   `json:"key"`
	ContentType string   `json:"content_type,omitempty"`
	Content     string   `json:"content,omitempty"`
	ContentRef  string   `json:"content_ref,omitempty"`
	VisibleTo   []string `json:"visible_to,omitempty"`
}

// ContextUpdatePayload replaces an item's content or content reference,
// never both at once.
type ContextUpdatePayload struct {
	Key        string `json:"key"`
	Content    string `json:"content,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
}

// ContextRemovePayload deletes a shared context item by key.
type ContextRemovePayload struct {
	Key string `json:"key"`
}

// PromptSubmitPayload submits prompt text to an agent.
type PromptSubmitPayload struct {
	Text        string `json:"text"`
	TargetAgent string `json:"target_agent,omitempty"`
}

// ToolProposePayload is an agent's request to perform a side-effecting
// action, carrying the risk and category metadata the approval policy
// evaluates.
type ToolProposePayload struct {
	ToolName         string         `json:"tool_name"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	RiskLevel        string         `json:"risk_level,omitempty"`
	Category         string         `json:"category,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Description      string         `json:"description,omitempty"`
}

// ToolExecutePayload authorizes execution of a previously proposed tool.
// ApprovedBy is empty for auto-approved proposals.
type ToolExecutePayload struct {
	ToolProposal string   `json:"tool_proposal"`
	ApprovedBy   []string `json:"approved_by"`
}

// ToolResultPayload reports the outcome of an executed tool.
type ToolResultPayload struct {
	ToolProposal string `json:"tool_proposal"`
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
}

// GateRequestPayload opens an approval gate protecting one pending action.
type GateRequestPayload struct {
	ActionType     string     `json:"action_type"`
	ActionRef      string     `json:"action_ref"`
	Quorum         QuorumRule `json:"quorum"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// GateApprovePayload records one participant's approval of a gate.
type GateApprovePayload struct {
	GateRef string `json:"gate_ref"`
	Comment string `json:"comment,omitempty"`
}

// GateRejectPayload rejects a gate. A single authorized rejection is final.
type GateRejectPayload struct {
	GateRef string `json:"gate_ref"`
	Reason  string `json:"reason,omitempty"`
}

// GateTimeoutPayload resolves an expired gate. Resolution defaults to
// "rejected"; a sweeper may set it to "approved" for permissive policies.
type GateTimeoutPayload struct {
	GateRef    string `json:"gate_ref"`
	Resolution string `json:"resolution,omitempty"`
}

// InterruptPayload raises a human interrupt. Context, when present, is
// injected into the shared context store for the agent to see.
type InterruptPayload struct {
	Reason  string `json:"reason,omitempty"`
	Context string `json:"context,omitempty"`
}

// ForkCreatePayload branches the session history at a message.
type ForkCreatePayload struct {
	Name        string `json:"name"`
	FromMessage string `json:"from_message"`
}

// ErrorPayload is the protocol-level error shape the router broadcasts when
// a handler fails. Recoverable is always true; the session continues.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RelatedTo   string `json:"related_to,omitempty"`
}
