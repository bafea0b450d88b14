// Package stream publishes run events to per-run bus topics and serves them to
// HTTP clients as server-sent events.
package stream

import "github.com/Backland-Labs/conductor/internal/run"

// Reserved event names.
const (
	EventRunCreated        = "thread.run.created"
	EventRunQueued         = "thread.run.queued"
	EventRunInProgress     = "thread.run.in_progress"
	EventRunRequiresAction = "thread.run.requires_action"
	EventRunCancelling     = "thread.run.cancelling"
	EventRunCancelled      = "thread.run.cancelled"
	EventRunCompleted      = "thread.run.completed"
	EventRunIncomplete     = "thread.run.incomplete"
	EventRunFailed         = "thread.run.failed"
	EventRunExpired        = "thread.run.expired"

	EventMessageCreated   = "thread.message.created"
	EventMessageDelta     = "thread.message.delta"
	EventMessageCompleted = "thread.message.completed"

	// EventDone closes the stream; its data is the literal [DONE].
	EventDone = "done"
	// EventError reports a stream-level failure with {code, message} data.
	EventError = "error"
)

// DoneData is the payload of the done sentinel.
const DoneData = "[DONE]"

// StatusEvent returns the event name announcing a run in status s.
func StatusEvent(s run.Status) string {
	return "thread.run." + string(s)
}

// Closes reports whether the named event ends a stream.
func Closes(event string) bool {
	return event == EventDone || event == EventError
}

// MessageObject is the payload of thread.message.created and .completed.
type MessageObject struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// MessageDelta is the payload of thread.message.delta.
type MessageDelta struct {
	ID    string       `json:"id"`
	Delta DeltaContent `json:"delta"`
}

// DeltaContent is an incremental piece of message text.
type DeltaContent struct {
	Content string `json:"content"`
}

// envelope is the bus representation of one event. Data holds the exact text
// of the SSE data line.
type envelope struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}
