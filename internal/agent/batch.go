// Package agent drives one LLM conversation on behalf of an agent
// participant: batching the tool calls of each turn, proposing them through
// the session router, and settling results back into the conversation
// atomically.
package agent

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tandemlab/tandem/internal/metrics"
)

// ToolStatus is a batch entry's lifecycle state.
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolResolved ToolStatus = "resolved"
)

// ToolResult is the settled outcome of one tool call, in the shape the LLM
// conversation consumes.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Settlement is the atomic outcome of a completed batch. When HadRejection
// is set the caller appends Results to history but must not issue another
// completion call; the turn ends interrupted.
type Settlement struct {
	PromptRef    string
	HadRejection bool
	Results      []ToolResult
}

type batchEntry struct {
	toolName   string
	proposalID string
	status     ToolStatus
	result     ToolResult
}

// batch groups the tool calls of one LLM turn.
type batch struct {
	promptRef    string
	hadRejection bool
	order        []string // tool-use ids in emission order
	tools        map[string]*batchEntry
}

// BatchManager owns the current tool batch for one agent conversation.
// Results arrive from concurrently executing tools, so every method locks;
// the batch map has the same single-writer needs as session state.
type BatchManager struct {
	mu      sync.Mutex
	current *batch
	log     zerolog.Logger
}

// NewBatchManager creates an empty manager.
func NewBatchManager(log zerolog.Logger) *BatchManager {
	return &BatchManager{log: log}
}

// StartBatch opens a batch for the turn identified by promptRef. An
// already-open batch is a bug signal, not a hard failure: it is logged and
// replaced.
func (m *BatchManager) StartBatch(promptRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.log.Warn().
			Str("open_prompt", m.current.promptRef).
			Str("new_prompt", promptRef).
			Msg("starting batch while one is open")
	}
	m.current = &batch{
		promptRef: promptRef,
		tools:     make(map[string]*batchEntry),
	}
}

// AddTool registers one parallel tool-use request from the turn.
func (m *BatchManager) AddTool(toolUseID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		m.log.Warn().Str("tool_use", toolUseID).Msg("tool added with no open batch")
		return
	}
	m.current.order = append(m.current.order, toolUseID)
	m.current.tools[toolUseID] = &batchEntry{toolName: toolName, status: ToolPending}
}

// SetProposalID attaches the session proposal id once the propose message
// has been submitted.
func (m *BatchManager) SetProposalID(toolUseID, proposalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry := m.entry(toolUseID); entry != nil {
		entry.proposalID = proposalID
	}
}

// ByProposal maps a session proposal id back to its tool-use id.
func (m *BatchManager) ByProposal(proposalID string) (toolUseID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	for id, entry := range m.current.tools {
		if entry.proposalID == proposalID {
			return id, true
		}
	}
	return "", false
}

// ResolveSuccess marks an entry resolved with its output.
func (m *BatchManager) ResolveSuccess(toolUseID, content string) {
	m.resolve(toolUseID, content, false)
}

// ResolveFailed marks an entry resolved with a captured failure. Failures
// are data, never thrown; a failing tool must not stall the batch.
func (m *BatchManager) ResolveFailed(toolUseID, errMsg string) {
	m.resolve(toolUseID, errMsg, true)
}

func (m *BatchManager) resolve(toolUseID, content string, isErr bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entry(toolUseID)
	if entry == nil {
		m.log.Warn().Str("tool_use", toolUseID).Msg("result for unknown batch entry")
		return
	}
	if entry.status == ToolResolved {
		m.log.Warn().Str("tool_use", toolUseID).Msg("batch entry resolved twice")
		return
	}
	entry.status = ToolResolved
	entry.result = ToolResult{ToolUseID: toolUseID, Content: content, IsError: isErr}
}

// MarkRejected sets the batch-wide rejection flag. The flag is sticky: it
// survives to settlement even if later entries resolve successfully.
func (m *BatchManager) MarkRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.hadRejection = true
	}
}

// IsComplete reports whether every entry in the open batch has resolved.
func (m *BatchManager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	for _, entry := range m.current.tools {
		if entry.status != ToolResolved {
			return false
		}
	}
	return true
}

// HasOpen reports whether a batch is currently open.
func (m *BatchManager) HasOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// CompleteBatch settles the batch: it returns the ordered results exactly
// once and clears the batch. Calling it before every entry resolves, or a
// second time, returns nil.
func (m *BatchManager) CompleteBatch() *Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	for _, entry := range m.current.tools {
		if entry.status != ToolResolved {
			return nil
		}
	}

	results := make([]ToolResult, 0, len(m.current.order))
	for _, id := range m.current.order {
		results = append(results, m.current.tools[id].result)
	}
	settlement := &Settlement{
		PromptRef:    m.current.promptRef,
		HadRejection: m.current.hadRejection,
		Results:      results,
	}
	m.current = nil

	outcome := "completed"
	if settlement.HadRejection {
		outcome = "interrupted"
	}
	metrics.BatchesSettled.WithLabelValues(outcome).Inc()
	return settlement
}

// Clear drops the open batch without settling it. Used by the history
// repair path after a crash mid-batch.
func (m *BatchManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// entry must be called with the mutex held.
func (m *BatchManager) entry(toolUseID string) *batchEntry {
	if m.current == nil {
		return nil
	}
	return m.current.tools[toolUseID]
}
