package run

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredActionOutputs(t *testing.T) {
	a, err := NewRequiredAction(ActionSubmitToolOutputs)
	require.NoError(t, err)
	require.NoError(t, a.Validate())
	assert.True(t, a.Empty())

	require.NoError(t, a.Append(ToolRequest{Kind: ActionSubmitToolOutputs, Call: ToolCall{ID: "call_1", Type: "function"}}))
	require.NoError(t, a.Append(ToolRequest{Kind: ActionSubmitToolOutputs, Call: ToolCall{ID: "call_2", Type: "function"}}))
	require.NoError(t, a.Append(ToolRequest{Kind: ActionSubmitToolOutputs, Call: ToolCall{ID: "call_1", Type: "function"}}))

	assert.Equal(t, []string{"call_1", "call_2"}, a.PendingIDs())
	assert.True(t, a.Has("call_2"))
	assert.False(t, a.Has("call_3"))

	assert.True(t, a.Remove("call_1"))
	assert.False(t, a.Remove("call_1"))
	assert.Equal(t, []string{"call_2"}, a.PendingIDs())
	assert.True(t, a.Remove("call_2"))
	assert.True(t, a.Empty())
}

func TestRequiredActionInputs(t *testing.T) {
	a, err := NewRequiredAction(ActionSubmitToolInputs)
	require.NoError(t, err)

	require.NoError(t, a.Append(ToolRequest{Kind: ActionSubmitToolInputs, Call: ToolCall{ID: "call_1"}, Prompt: "Which region?"}))
	require.Len(t, a.OfToolInputs.Requests, 1)
	assert.Equal(t, "Which region?", a.OfToolInputs.Requests[0].Prompt)
	assert.True(t, a.Remove("call_1"))
	assert.True(t, a.Empty())
}

func TestRequiredActionKindMismatch(t *testing.T) {
	a, err := NewRequiredAction(ActionSubmitToolApprovals)
	require.NoError(t, err)

	err = a.Append(ToolRequest{Kind: ActionSubmitToolOutputs, Call: ToolCall{ID: "call_1"}})
	assert.True(t, errors.Is(err, ErrActionKindMismatch))
	assert.True(t, a.Empty())
}

func TestRequiredActionValidate(t *testing.T) {
	_, err := NewRequiredAction("submit_nothing")
	assert.Error(t, err)

	bad := &RequiredAction{Type: ActionSubmitToolOutputs, OfToolApprovals: &ToolApprovalsAction{}}
	assert.Error(t, bad.Validate())

	both := &RequiredAction{Type: ActionSubmitToolOutputs, OfToolOutputs: &ToolOutputsAction{}, OfToolInputs: &ToolInputsAction{}}
	assert.Error(t, both.Validate())
}

func TestRequiredActionNilSafe(t *testing.T) {
	var a *RequiredAction
	assert.Nil(t, a.PendingIDs())
	assert.True(t, a.Empty())
	assert.False(t, a.Has("x"))
	assert.Nil(t, a.Clone())
}
