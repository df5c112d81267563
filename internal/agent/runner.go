package agent

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tandemlab/tandem/internal/protocol"
)

// Message roles and content block types for the provider conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Finish reasons surfaced to the caller of RunPrompt.
const (
	FinishEndTurn     = "end_turn"
	FinishInterrupted = "interrupted"
)

// ErrToolPairing is returned (possibly wrapped) by a provider when the
// conversation violates the vendor's tool_use/tool_result pairing
// invariant, e.g. after a crash mid-batch. The runner heals rather than
// aborting.
var ErrToolPairing = errors.New("mismatched tool_use/tool_result pairing")

// ContentBlock is one ordered element of a conversation message.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role   string         `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is the provider call input.
type CompletionRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// Completion is the provider call output. RawContent preserves the ordered
// text and tool_use blocks.
type Completion struct {
	Text         string         `json:"text"`
	RawContent   []ContentBlock `json:"raw_content"`
	FinishReason string         `json:"finish_reason"`
}

// Provider is the LLM backend contract. Vendors live outside the core.
type Provider interface {
	CreateCompletion(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ToolHandler is the uniform contract every concrete tool implements. The
// core treats tools identically regardless of what they do.
type ToolHandler interface {
	// Propose describes the side effect so the session can gate it.
	Propose(args map[string]any, sessionID, agentID string) (*protocol.ToolProposePayload, error)
	// Execute performs the approved action and returns its output.
	Execute(ctx context.Context, proposalID string, args map[string]any, sessionID, agentID string) (string, error)
}

// Runner drives one agent's conversation loop against a session. It owns
// the tool batch for the conversation; a Runner is never shared across
// agents or sessions.
type Runner struct {
	provider  Provider
	tools     map[string]ToolHandler
	toolDefs  []ToolDefinition
	batches   *BatchManager
	model     string
	sessionID string
	agentID   string

	// submit sends an envelope into the session's inbound queue.
	submit func(*protocol.Envelope) error
	// events receives every envelope the session delivers to this agent.
	events chan *protocol.Envelope

	history     []ChatMessage
	pendingArgs map[string]map[string]any // proposal id -> arguments
	log         zerolog.Logger
}

// NewRunner wires a conversation runner for one agent in one session.
func NewRunner(provider Provider, model, sessionID, agentID string, submit func(*protocol.Envelope) error, log zerolog.Logger) *Runner {
	return &Runner{
		provider:    provider,
		tools:       make(map[string]ToolHandler),
		batches:     NewBatchManager(log),
		model:       model,
		sessionID:   sessionID,
		agentID:     agentID,
		submit:      submit,
		events:      make(chan *protocol.Envelope, 256),
		pendingArgs: make(map[string]map[string]any),
		log:         log,
	}
}

// RegisterTool makes a tool available to the model.
func (r *Runner) RegisterTool(def ToolDefinition, handler ToolHandler) {
	r.tools[def.Name] = handler
	r.toolDefs = append(r.toolDefs, def)
}

// Deliver hands the runner an envelope routed to this agent. Safe to call
// from the transport goroutine.
func (r *Runner) Deliver(env *protocol.Envelope) {
	select {
	case r.events <- env:
	default:
		r.log.Error().Str("id", env.ID).Msg("agent event queue full, dropping")
	}
}

// History returns the conversation so far.
func (r *Runner) History() []ChatMessage {
	return r.history
}

// Batches exposes the batch manager, mainly for tests.
func (r *Runner) Batches() *BatchManager {
	return r.batches
}

// RunPrompt feeds prompt text into the conversation and loops completions
// until the model finishes its turn or a human veto interrupts it. Returns
// the finish reason.
func (r *Runner) RunPrompt(ctx context.Context, text string) (string, error) {
	r.history = append(r.history, ChatMessage{
		Role:   RoleUser,
		Blocks: []ContentBlock{{Type: BlockText, Text: text}},
	})

	healed := false
	for {
		comp, err := r.provider.CreateCompletion(ctx, CompletionRequest{
			Model:    r.model,
			Messages: r.history,
			Tools:    r.toolDefs,
		})
		if err != nil {
			// A pairing violation means our history carries tool_use
			// blocks with no settled results. Heal once and retry.
			if errors.Is(err, ErrToolPairing) && !healed {
				r.HealHistory()
				healed = true
				continue
			}
			return "", err
		}

		r.history = append(r.history, ChatMessage{Role: RoleAssistant, Blocks: comp.RawContent})

		uses := toolUseBlocks(comp.RawContent)
		if len(uses) == 0 {
			if comp.FinishReason != "" {
				return comp.FinishReason, nil
			}
			return FinishEndTurn, nil
		}

		settlement, err := r.runBatch(ctx, uses)
		if err != nil {
			return "", err
		}

		// Settlement is atomic: one user message carrying every result,
		// appended exactly once.
		blocks := make([]ContentBlock, 0, len(settlement.Results))
		for _, res := range settlement.Results {
			blocks = append(blocks, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: res.ToolUseID,
				Content:   res.Content,
				IsError:   res.IsError,
			})
		}
		r.history = append(r.history, ChatMessage{Role: RoleUser, Blocks: blocks})

		// A rejected entry ends the turn: results are on the record, but
		// the agent takes no further autonomous action past a human veto.
		if settlement.HadRejection {
			return FinishInterrupted, nil
		}
	}
}

// runBatch proposes every tool_use of the turn and pumps session events
// until each entry settles.
func (r *Runner) runBatch(ctx context.Context, uses []ContentBlock) (*Settlement, error) {
	promptRef := uses[0].ToolUseID
	r.batches.StartBatch(promptRef)

	for _, use := range uses {
		r.batches.AddTool(use.ToolUseID, use.ToolName)

		handler, ok := r.tools[use.ToolName]
		if !ok {
			r.batches.ResolveFailed(use.ToolUseID, "unknown tool: "+use.ToolName)
			continue
		}
		payload, err := handler.Propose(use.Arguments, r.sessionID, r.agentID)
		if err != nil {
			r.batches.ResolveFailed(use.ToolUseID, err.Error())
			continue
		}
		env := protocol.New(protocol.TypeToolPropose, r.sessionID, r.agentID, payload)
		r.batches.SetProposalID(use.ToolUseID, env.ID)
		r.pendingArgs[env.ID] = use.Arguments
		if err := r.submit(env); err != nil {
			delete(r.pendingArgs, env.ID)
			r.batches.ResolveFailed(use.ToolUseID, err.Error())
		}
	}

	for !r.batches.IsComplete() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env := <-r.events:
			r.handleSessionEvent(ctx, env)
		}
	}

	settlement := r.batches.CompleteBatch()
	if settlement == nil {
		return nil, errors.New("batch settled twice")
	}
	return settlement, nil
}

// handleSessionEvent reacts to the routed messages that settle batch
// entries: execution grants, results, and gate vetoes.
func (r *Runner) handleSessionEvent(ctx context.Context, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.ToolExecutePayload:
		args, mine := r.pendingArgs[p.ToolProposal]
		if !mine {
			return
		}
		delete(r.pendingArgs, p.ToolProposal)
		toolUseID, ok := r.batches.ByProposal(p.ToolProposal)
		if !ok {
			return
		}
		go r.execute(ctx, p.ToolProposal, toolUseID, args)

	case *protocol.ToolResultPayload:
		toolUseID, ok := r.batches.ByProposal(p.ToolProposal)
		if !ok {
			return
		}
		if p.Success {
			r.batches.ResolveSuccess(toolUseID, p.Output)
		} else {
			r.batches.ResolveFailed(toolUseID, p.Error)
		}

	case *protocol.GateRejectPayload:
		toolUseID, ok := r.batches.ByProposal(p.GateRef)
		if !ok {
			return
		}
		delete(r.pendingArgs, p.GateRef)
		r.batches.MarkRejected()
		reason := p.Reason
		if reason == "" {
			reason = "rejected by " + env.Sender
		}
		r.batches.ResolveFailed(toolUseID, reason)

	case *protocol.GateTimeoutPayload:
		if p.Resolution == "approved" {
			return // the tool.execute follows separately
		}
		toolUseID, ok := r.batches.ByProposal(p.GateRef)
		if !ok {
			return
		}
		delete(r.pendingArgs, p.GateRef)
		r.batches.ResolveFailed(toolUseID, "approval gate expired")
	}
}

// execute runs an approved tool and reports its outcome as a tool.result.
// Tool failures are captured in the result payload, never raised: the
// routed result is what settles the batch entry.
func (r *Runner) execute(ctx context.Context, proposalID, toolUseID string, args map[string]any) {
	toolName := ""
	if name, ok := r.toolName(toolUseID); ok {
		toolName = name
	}
	handler := r.tools[toolName]

	result := &protocol.ToolResultPayload{ToolProposal: proposalID}
	if handler == nil {
		result.Error = "unknown tool: " + toolName
	} else if output, err := handler.Execute(ctx, proposalID, args, r.sessionID, r.agentID); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Output = output
	}

	if err := r.submit(protocol.New(protocol.TypeToolResult, r.sessionID, r.agentID, result)); err != nil {
		r.log.Error().Err(err).Str("proposal", proposalID).Msg("submitting tool result failed")
		// The routed result will never arrive; settle locally so the
		// batch cannot stall forever.
		r.batches.ResolveFailed(toolUseID, "result submission failed: "+err.Error())
	}
}

func (r *Runner) toolName(toolUseID string) (string, bool) {
	r.batches.mu.Lock()
	defer r.batches.mu.Unlock()
	entry := r.batches.entry(toolUseID)
	if entry == nil {
		return "", false
	}
	return entry.toolName, true
}

// HealHistory deterministically repairs a conversation whose tool_use
// blocks lost their results (crash mid-batch): it truncates back to before
// the last assistant turn with unresolved tool_use blocks and clears all
// pending-proposal tracking.
func (r *Runner) HealHistory() {
	cut := -1
	for i, msg := range r.history {
		if msg.Role != RoleAssistant {
			continue
		}
		uses := toolUseBlocks(msg.Blocks)
		if len(uses) == 0 {
			continue
		}
		if !resolvedLater(r.history[i+1:], uses) {
			cut = i
		}
	}
	if cut >= 0 {
		r.history = r.history[:cut]
	}
	r.pendingArgs = make(map[string]map[string]any)
	r.batches.Clear()
	r.log.Info().Int("messages", len(r.history)).Msg("conversation history healed")
}

func toolUseBlocks(blocks []ContentBlock) []ContentBlock {
	var uses []ContentBlock
	for _, b := range blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// resolvedLater reports whether every tool_use has a matching tool_result
// in the given tail of the conversation.
func resolvedLater(tail []ChatMessage, uses []ContentBlock) bool {
	resolved := make(map[string]bool)
	for _, msg := range tail {
		for _, b := range msg.Blocks {
			if b.Type == BlockToolResult {
				resolved[b.ToolUseID] = true
			}
		}
	}
	for _, use := range uses {
		if !resolved[use.ToolUseID] {
			return false
		}
	}
	return true
}
