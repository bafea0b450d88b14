package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Backland-Labs/conductor/internal/run"
)

// Echo is a deterministic agent for development and tests. It streams the last
// user message back word by word and understands three commands:
//
//	/tool <name> <json>     call a user function and wait for its output
//	/approve <name> <json>  ask the caller to approve a function call
//	/ask <prompt>           ask the caller for free-form input
type Echo struct {
	// Delay is slept between deltas.
	Delay time.Duration
}

// NewEcho returns an echo executor without delay.
func NewEcho() *Echo {
	return &Echo{}
}

// Execute implements Executor.
func (e *Echo) Execute(ctx context.Context, exec Execution) (Outcome, error) {
	w := newMessageWriter(exec.Events, exec.Run.ID)

	if len(exec.FailedFiles) > 0 {
		note := fmt.Sprintf("Could not read %s. ", strings.Join(fileNames(exec.FailedFiles), ", "))
		if err := w.write(ctx, note); err != nil {
			return Outcome{}, err
		}
	}

	reply, err := e.reply(ctx, exec, lastUserMessage(exec.Run))
	if err != nil {
		return Outcome{}, err
	}
	for i, word := range strings.Fields(reply) {
		if err := e.pause(ctx); err != nil {
			return Outcome{}, err
		}
		if i > 0 {
			word = " " + word
		}
		if err := w.write(ctx, word); err != nil {
			return Outcome{}, err
		}
	}
	if _, err := w.close(ctx); err != nil {
		return Outcome{}, err
	}
	return Completed(), nil
}

func (e *Echo) reply(ctx context.Context, exec Execution, text string) (string, error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	switch cmd {
	case "/tool", "/approve":
		name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if _, ok := functionTool(exec.Run, name); !ok {
			return fmt.Sprintf("Unknown tool %s.", name), nil
		}
		kind := run.ActionSubmitToolOutputs
		if cmd == "/approve" {
			kind = run.ActionSubmitToolApprovals
		}
		args = strings.TrimSpace(args)
		if args == "" {
			args = "{}"
		}
		sub, err := exec.Tools.Await(ctx, run.ToolRequest{
			Kind: kind,
			Call: run.ToolCall{
				ID:       run.NewID("call"),
				Type:     "function",
				Function: run.FunctionCall{Name: name, Arguments: args},
			},
		})
		if err != nil {
			return "", err
		}
		if kind == run.ActionSubmitToolOutputs {
			return fmt.Sprintf("%s returned %s", name, sub.Output), nil
		}
		if sub.Approve != nil && *sub.Approve {
			return fmt.Sprintf("%s approved", name), nil
		}
		return strings.TrimSpace(fmt.Sprintf("%s denied %s", name, sub.Reason)), nil

	case "/ask":
		sub, err := exec.Tools.Await(ctx, run.ToolRequest{
			Kind:   run.ActionSubmitToolInputs,
			Call:   run.ToolCall{ID: run.NewID("call"), Type: "input"},
			Prompt: strings.TrimSpace(rest),
		})
		if err != nil {
			return "", err
		}
		return "You said " + sub.Input, nil
	}
	return text, nil
}

func (e *Echo) pause(ctx context.Context) error {
	if e.Delay <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(e.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func lastUserMessage(r *run.Run) string {
	msgs := r.Thread.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
