package run

import (
	"errors"
	"fmt"
)

// ActionKind tags the variant of a RequiredAction.
type ActionKind string

const (
	// ActionSubmitToolOutputs waits for the caller to run a function and post its output.
	ActionSubmitToolOutputs ActionKind = "submit_tool_outputs"
	// ActionSubmitToolApprovals waits for the caller to approve or deny a tool call.
	ActionSubmitToolApprovals ActionKind = "submit_tool_approvals"
	// ActionSubmitToolInputs waits for free-form user input requested by a tool.
	ActionSubmitToolInputs ActionKind = "submit_tool_inputs"
)

// ErrActionKindMismatch is returned when a pending call of one kind is added to a
// required action of another kind.
var ErrActionKindMismatch = errors.New("required action kind mismatch")

// ToolCall is a function invocation requested by the agent.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// InputRequest asks the caller for input on behalf of a tool call.
type InputRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Prompt     string `json:"prompt"`
}

// ToolOutputsAction lists the function calls whose output is pending.
type ToolOutputsAction struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolApprovalsAction lists the tool calls waiting for an approval decision.
type ToolApprovalsAction struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolInputsAction lists the outstanding input requests.
type ToolInputsAction struct {
	Requests []InputRequest `json:"requests"`
}

// RequiredAction is a tagged union: Type names the variant and exactly one of the
// Of* fields is set.
type RequiredAction struct {
	Type            ActionKind           `json:"type"`
	OfToolOutputs   *ToolOutputsAction   `json:"submit_tool_outputs,omitempty"`
	OfToolApprovals *ToolApprovalsAction `json:"submit_tool_approvals,omitempty"`
	OfToolInputs    *ToolInputsAction    `json:"submit_tool_inputs,omitempty"`
}

// ToolRequest is one pending entry as the bridge sees it, before it is folded
// into the variant-specific list.
type ToolRequest struct {
	Kind   ActionKind
	Call   ToolCall
	Prompt string
}

// ToolSubmission is what the external caller supplies to satisfy a pending entry.
type ToolSubmission struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Approve    *bool  `json:"approve,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Input      string `json:"input,omitempty"`
}

// NewRequiredAction returns an empty action of the given kind.
func NewRequiredAction(kind ActionKind) (*RequiredAction, error) {
	a := &RequiredAction{Type: kind}
	switch kind {
	case ActionSubmitToolOutputs:
		a.OfToolOutputs = &ToolOutputsAction{}
	case ActionSubmitToolApprovals:
		a.OfToolApprovals = &ToolApprovalsAction{}
	case ActionSubmitToolInputs:
		a.OfToolInputs = &ToolInputsAction{}
	default:
		return nil, fmt.Errorf("unknown required action kind %q", kind)
	}
	return a, nil
}

// Validate checks that Type and the populated variant agree.
func (a *RequiredAction) Validate() error {
	set := 0
	if a.OfToolOutputs != nil {
		set++
	}
	if a.OfToolApprovals != nil {
		set++
	}
	if a.OfToolInputs != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("required action must have exactly one variant, has %d", set)
	}
	switch {
	case a.Type == ActionSubmitToolOutputs && a.OfToolOutputs != nil,
		a.Type == ActionSubmitToolApprovals && a.OfToolApprovals != nil,
		a.Type == ActionSubmitToolInputs && a.OfToolInputs != nil:
		return nil
	}
	return fmt.Errorf("required action type %q does not match its variant", a.Type)
}

// PendingIDs returns the tool call ids still waiting, in insertion order.
func (a *RequiredAction) PendingIDs() []string {
	if a == nil {
		return nil
	}
	var ids []string
	switch {
	case a.OfToolOutputs != nil:
		for _, c := range a.OfToolOutputs.ToolCalls {
			ids = append(ids, c.ID)
		}
	case a.OfToolApprovals != nil:
		for _, c := range a.OfToolApprovals.ToolCalls {
			ids = append(ids, c.ID)
		}
	case a.OfToolInputs != nil:
		for _, r := range a.OfToolInputs.Requests {
			ids = append(ids, r.ToolCallID)
		}
	}
	return ids
}

// Has reports whether id is pending.
func (a *RequiredAction) Has(id string) bool {
	for _, pending := range a.PendingIDs() {
		if pending == id {
			return true
		}
	}
	return false
}

// Empty reports whether nothing is pending.
func (a *RequiredAction) Empty() bool {
	return len(a.PendingIDs()) == 0
}

// Append adds a pending entry. Adding an id that is already pending is a no-op.
func (a *RequiredAction) Append(req ToolRequest) error {
	if req.Kind != a.Type {
		return fmt.Errorf("%w: pending %s, got %s", ErrActionKindMismatch, a.Type, req.Kind)
	}
	if a.Has(req.Call.ID) {
		return nil
	}
	switch a.Type {
	case ActionSubmitToolOutputs:
		a.OfToolOutputs.ToolCalls = append(a.OfToolOutputs.ToolCalls, req.Call)
	case ActionSubmitToolApprovals:
		a.OfToolApprovals.ToolCalls = append(a.OfToolApprovals.ToolCalls, req.Call)
	case ActionSubmitToolInputs:
		a.OfToolInputs.Requests = append(a.OfToolInputs.Requests, InputRequest{
			ToolCallID: req.Call.ID,
			Prompt:     req.Prompt,
		})
	}
	return nil
}

// Remove drops the pending entry with the given id and reports whether it existed.
func (a *RequiredAction) Remove(id string) bool {
	switch {
	case a.OfToolOutputs != nil:
		calls, ok := removeCall(a.OfToolOutputs.ToolCalls, id)
		a.OfToolOutputs.ToolCalls = calls
		return ok
	case a.OfToolApprovals != nil:
		calls, ok := removeCall(a.OfToolApprovals.ToolCalls, id)
		a.OfToolApprovals.ToolCalls = calls
		return ok
	case a.OfToolInputs != nil:
		for i, r := range a.OfToolInputs.Requests {
			if r.ToolCallID == id {
				a.OfToolInputs.Requests = append(a.OfToolInputs.Requests[:i], a.OfToolInputs.Requests[i+1:]...)
				return true
			}
		}
	}
	return false
}

func removeCall(calls []ToolCall, id string) ([]ToolCall, bool) {
	for i, c := range calls {
		if c.ID == id {
			return append(calls[:i], calls[i+1:]...), true
		}
	}
	return calls, false
}

// Clone returns a deep copy.
func (a *RequiredAction) Clone() *RequiredAction {
	if a == nil {
		return nil
	}
	out := &RequiredAction{Type: a.Type}
	if a.OfToolOutputs != nil {
		out.OfToolOutputs = &ToolOutputsAction{ToolCalls: append([]ToolCall(nil), a.OfToolOutputs.ToolCalls...)}
	}
	if a.OfToolApprovals != nil {
		out.OfToolApprovals = &ToolApprovalsAction{ToolCalls: append([]ToolCall(nil), a.OfToolApprovals.ToolCalls...)}
	}
	if a.OfToolInputs != nil {
		out.OfToolInputs = &ToolInputsAction{Requests: append([]InputRequest(nil), a.OfToolInputs.Requests...)}
	}
	return out
}
