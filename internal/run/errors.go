package run

import "errors"

var (
	// ErrNotFound is returned when a run is unknown or has been deleted.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a status change violates the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrTerminal is returned when a write targets a run that already reached a terminal status.
	ErrTerminal = errors.New("run is in a terminal status")

	// ErrNotCancellable is returned when cancel is requested for a run that is not
	// in_progress or requires_action.
	ErrNotCancellable = errors.New("run is not cancellable")

	// ErrAborted is the cancellation cause raised inside an executing worker when the
	// run is cancelled or deleted. It is never reported as a failure.
	ErrAborted = errors.New("run aborted")

	// ErrNoPendingAction is returned when tool output is submitted for a run that is
	// not waiting for any.
	ErrNoPendingAction = errors.New("run has no pending required action")

	// ErrUnknownToolCall is returned when a submission references a tool call that
	// is not pending.
	ErrUnknownToolCall = errors.New("tool call is not pending")
)
