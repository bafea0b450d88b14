package server

import "github.com/Backland-Labs/conductor/internal/run"

// ownerHeader carries the caller's identity. Runs are scoped to their owner.
const ownerHeader = "X-Owner-ID"

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	Assistant    run.Assistant `json:"assistant"`
	Thread       run.Thread    `json:"thread"`
	Model        string        `json:"model,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	Tools        []run.Tool    `json:"tools,omitempty"`
	// Stream answers with the run's event stream instead of the run object.
	Stream bool `json:"stream,omitempty"`
}

// SubmitToolOutputsRequest is the body of POST /v1/runs/{id}/submit_tool_outputs.
type SubmitToolOutputsRequest struct {
	ToolOutputs []run.ToolSubmission `json:"tool_outputs"`
	Stream      bool                 `json:"stream,omitempty"`
}

// DeleteRunResponse acknowledges a deletion.
type DeleteRunResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}
