package agent

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSettlesExactlyOnce(t *testing.T) {
	m := NewBatchManager(zerolog.Nop())

	m.StartBatch("use-1")
	m.AddTool("use-1", "read_file")
	m.AddTool("use-2", "shell")

	assert.Nil(t, m.CompleteBatch(), "an incomplete batch must not settle")

	m.ResolveSuccess("use-1", "contents")
	assert.False(t, m.IsComplete())
	m.ResolveFailed("use-2", "exit 1")
	require.True(t, m.IsComplete())

	settlement := m.CompleteBatch()
	require.NotNil(t, settlement)
	assert.Equal(t, "use-1", settlement.PromptRef)
	assert.False(t, settlement.HadRejection)
	require.Len(t, settlement.Results, 2)

	// Results come back in emission order, failures as data.
	assert.Equal(t, "use-1", settlement.Results[0].ToolUseID)
	assert.False(t, settlement.Results[0].IsError)
	assert.Equal(t, "use-2", settlement.Results[1].ToolUseID)
	assert.True(t, settlement.Results[1].IsError)
	assert.Equal(t, "exit 1", settlement.Results[1].Content)

	assert.Nil(t, m.CompleteBatch(), "a second settlement returns nothing")
	assert.False(t, m.HasOpen())
}

func TestDoubleResolveIsIgnored(t *testing.T) {
	m := NewBatchManager(zerolog.Nop())
	m.StartBatch("use-1")
	m.AddTool("use-1", "shell")

	m.ResolveSuccess("use-1", "first")
	m.ResolveFailed("use-1", "second")

	settlement := m.CompleteBatch()
	require.NotNil(t, settlement)
	require.Len(t, settlement.Results, 1)
	assert.Equal(t, "first", settlement.Results[0].Content)
	assert.False(t, settlement.Results[0].IsError, "the first resolution wins")
}

func TestRejectionFlagIsSticky(t *testing.T) {
	m := NewBatchManager(zerolog.Nop())
	m.StartBatch("use-1")
	m.AddTool("use-1", "shell")
	m.AddTool("use-2", "read_file")

	m.MarkRejected()
	m.ResolveFailed("use-1", "rejected by alice")
	// A later success does not clear the flag.
	m.ResolveSuccess("use-2", "contents")

	settlement := m.CompleteBatch()
	require.NotNil(t, settlement)
	assert.True(t, settlement.HadRejection)
}

func TestByProposal(t *testing.T) {
	m := NewBatchManager(zerolog.Nop())
	m.StartBatch("use-1")
	m.AddTool("use-1", "shell")
	m.SetProposalID("use-1", "prop-9")

	id, ok := m.ByProposal("prop-9")
	require.True(t, ok)
	assert.Equal(t, "use-1", id)

	_, ok = m.ByProposal("prop-0")
	assert.False(t, ok)
}

func TestClearDropsBatchWithoutSettling(t *testing.T) {
	m := NewBatchManager(zerolog.Nop())
	m.StartBatch("use-1")
	m.AddTool("use-1", "shell")

	m.Clear()
	assert.False(t, m.HasOpen())
	assert.Nil(t, m.CompleteBatch())
}

func TestResolveWithNoOpenBatch(t *testing.T) {
	m := NewBatchManager(zerolog.Nop())
	// Must not panic; the stray result is logged and dropped.
	m.ResolveSuccess("use-1", "late")
	m.MarkRejected()
	assert.False(t, m.IsComplete())
}
