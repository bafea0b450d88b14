// Package executor defines the boundary between the orchestrator and the agent
// that decides what a run does, and ships the built-in agents.
package executor

import (
	"context"
	"fmt"

	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/stream"
)

// Supported executor kinds.
const (
	KindEcho      = "echo"
	KindAnthropic = "anthropic"
)

// Emitter publishes events for the executing run.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
}

// ToolBridge suspends the executing run until the caller satisfies a tool call.
// It returns run.ErrAborted when the run is cancelled or deleted meanwhile.
type ToolBridge interface {
	Await(ctx context.Context, req run.ToolRequest) (*run.ToolSubmission, error)
}

// Execution is everything an executor receives for one attempt.
type Execution struct {
	Run *run.Run
	// ReadyFiles have extracted content. FailedFiles could not be extracted and
	// should be reported to the agent rather than failing the run.
	ReadyFiles  []run.File
	FailedFiles []run.File
	Events      Emitter
	Tools       ToolBridge
}

// Outcome is how a successful execution ended.
type Outcome struct {
	// Status is run.StatusCompleted or run.StatusIncomplete.
	Status           run.Status
	IncompleteReason string
}

// Completed is the outcome of a run that finished normally.
func Completed() Outcome {
	return Outcome{Status: run.StatusCompleted}
}

// Incomplete is the outcome of a run that stopped early.
func Incomplete(reason string) Outcome {
	return Outcome{Status: run.StatusIncomplete, IncompleteReason: reason}
}

// Executor runs the agent for one run. Returning an error fails the run, except
// run.ErrAborted which cancels it. Implementations must stop promptly when ctx
// is cancelled.
type Executor interface {
	Execute(ctx context.Context, exec Execution) (Outcome, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, exec Execution) (Outcome, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, exec Execution) (Outcome, error) {
	return f(ctx, exec)
}

// Config selects and tunes an executor.
type Config struct {
	Kind            string
	AnthropicAPIKey string
	BaseURL         string
	Model           string
	MaxTokens       int64
	MaxSteps        int
}

// New builds the executor named by cfg.Kind.
func New(cfg Config) (Executor, error) {
	switch cfg.Kind {
	case "", KindEcho:
		return NewEcho(), nil
	case KindAnthropic:
		return NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}

// messageWriter emits one assistant message as created, deltas and completed.
type messageWriter struct {
	events Emitter
	runID  string
	msg    stream.MessageObject
}

func newMessageWriter(events Emitter, runID string) *messageWriter {
	return &messageWriter{events: events, runID: runID}
}

func (w *messageWriter) write(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if w.msg.ID == "" {
		w.msg = stream.MessageObject{
			ID:     run.NewID("msg"),
			RunID:  w.runID,
			Role:   "assistant",
			Status: "in_progress",
		}
		if err := w.events.Emit(ctx, stream.EventMessageCreated, w.msg); err != nil {
			return err
		}
	}
	w.msg.Content += text
	return w.events.Emit(ctx, stream.EventMessageDelta, stream.MessageDelta{
		ID:    w.msg.ID,
		Delta: stream.DeltaContent{Content: text},
	})
}

// close completes the message if anything was written and resets the writer.
func (w *messageWriter) close(ctx context.Context) (string, error) {
	if w.msg.ID == "" {
		return "", nil
	}
	done := w.msg
	done.Status = "completed"
	w.msg = stream.MessageObject{}
	return done.Content, w.events.Emit(ctx, stream.EventMessageCompleted, done)
}

// functionTool returns the user-defined function tool named name.
func functionTool(r *run.Run, name string) (*run.FunctionDefinition, bool) {
	for _, t := range r.EffectiveTools() {
		if t.Type == "function" && t.Function != nil && t.Function.Name == name {
			return t.Function, true
		}
	}
	return nil, false
}

func fileNames(files []run.File) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.Filename != "" {
			names = append(names, f.Filename)
		} else {
			names = append(names, f.ID)
		}
	}
	return names
}
