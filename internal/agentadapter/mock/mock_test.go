package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
)

func TestStartQuery_DeliversScriptedMessagesInOrder(t *testing.T) {
	a := New()
	a.Scripts["do the thing"] = Script{
		Messages: []agentadapter.NormalizedMessage{
			{Kind: agentadapter.MessageAssistantToolUse, ToolName: "Read"},
			{Kind: agentadapter.MessageResultSuccess, FinalText: "done"},
		},
		Usage: agentadapter.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}

	var got []agentadapter.MessageKind
	q, err := a.StartQuery(context.Background(), "sess-1", "do the thing", agentadapter.Config{Model: "sonnet"}, func(m agentadapter.NormalizedMessage) {
		got = append(got, m.Kind)
	})
	require.NoError(t, err)
	assert.Equal(t, []agentadapter.MessageKind{agentadapter.MessageAssistantToolUse, agentadapter.MessageResultSuccess}, got)
	assert.False(t, q.IsRunning())
}

func TestStartQuery_DefaultScriptUsedForUnknownPrompt(t *testing.T) {
	a := New()
	a.DefaultScript = Script{
		Messages: []agentadapter.NormalizedMessage{{Kind: agentadapter.MessageResultSuccess}},
	}
	var calls int
	_, err := a.StartQuery(context.Background(), "sess-2", "anything", agentadapter.Config{Model: "haiku"}, func(agentadapter.NormalizedMessage) {
		calls++
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestStartQuery_StartErrPropagates(t *testing.T) {
	a := New()
	a.DefaultScript = Script{StartErr: assert.AnError}
	_, err := a.StartQuery(context.Background(), "sess-3", "x", agentadapter.Config{}, func(agentadapter.NormalizedMessage) {})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestInject_FailsOnceClosed(t *testing.T) {
	a := New()
	a.DefaultScript = Script{Messages: []agentadapter.NormalizedMessage{{Kind: agentadapter.MessageResultSuccess}}}
	q, err := a.StartQuery(context.Background(), "sess-4", "x", agentadapter.Config{}, func(agentadapter.NormalizedMessage) {})
	require.NoError(t, err)
	assert.Error(t, q.Inject("hello"))
}
