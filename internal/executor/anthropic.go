package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/run"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
	defaultMaxSteps       = 10
)

// IncompleteMaxSteps and IncompleteMaxTokens are the reasons reported when an
// Anthropic run stops early.
const (
	IncompleteMaxSteps  = "max_steps"
	IncompleteMaxTokens = "max_tokens"
)

// ErrMissingAPIKey is returned by NewAnthropic without an API key.
var ErrMissingAPIKey = errors.New("anthropic API key is required")

// Anthropic runs the agent loop against the Anthropic Messages API. Function
// tools of the run are offered to the model; every tool call it makes suspends
// the run until the caller submits the output.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxSteps  int
	log       *logger.Logger
}

// NewAnthropic creates the executor. Requests are not retried by the SDK: a
// failed turn fails the run.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.AnthropicAPIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	a := &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxSteps:  cfg.MaxSteps,
		log:       logger.GetLogger(),
	}
	if a.model == "" {
		a.model = defaultAnthropicModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	if a.maxSteps <= 0 {
		a.maxSteps = defaultMaxSteps
	}
	return a, nil
}

type toolUse struct {
	ID    string
	Name  string
	Input strings.Builder
}

type turn struct {
	text       string
	toolUses   []*toolUse
	stopReason string
}

// Execute implements Executor.
func (a *Anthropic) Execute(ctx context.Context, exec Execution) (Outcome, error) {
	r := exec.Run
	log := a.log.WithRun(r.ID)

	params, err := a.params(exec)
	if err != nil {
		return Outcome{}, err
	}

	for step := 0; step < a.maxSteps; step++ {
		t, err := a.turn(ctx, exec, params)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, context.Cause(ctx)
			}
			return Outcome{}, err
		}

		assistant := make([]anthropic.ContentBlockParamUnion, 0, len(t.toolUses)+1)
		if t.text != "" {
			assistant = append(assistant, anthropic.NewTextBlock(t.text))
		}
		for _, tu := range t.toolUses {
			assistant = append(assistant, anthropic.NewToolUseBlock(tu.ID, toolInput(tu), tu.Name))
		}
		if len(assistant) > 0 {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(assistant...))
		}

		if len(t.toolUses) == 0 {
			if t.stopReason == IncompleteMaxTokens {
				return Incomplete(IncompleteMaxTokens), nil
			}
			return Completed(), nil
		}

		results := make([]anthropic.ContentBlockParamUnion, 0, len(t.toolUses))
		for _, tu := range t.toolUses {
			content, isError, err := a.callTool(ctx, exec, tu)
			if err != nil {
				return Outcome{}, err
			}
			results = append(results, anthropic.NewToolResultBlock(tu.ID, content, isError))
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
		log.Debugf("Completed agent step %d with %d tool calls", step+1, len(t.toolUses))
	}
	return Incomplete(IncompleteMaxSteps), nil
}

func (a *Anthropic) params(exec Execution) (anthropic.MessageNewParams, error) {
	r := exec.Run
	model := r.EffectiveModel()
	if model == "" {
		model = a.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
	}

	system := r.EffectiveInstructions()
	if len(exec.FailedFiles) > 0 {
		system = strings.TrimSpace(system + "\n\nThese attached files could not be read: " + strings.Join(fileNames(exec.FailedFiles), ", ") + ".")
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	for _, m := range r.Thread.Messages {
		if m.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	if len(params.Messages) == 0 {
		return params, fmt.Errorf("run %s has no messages", r.ID)
	}

	for _, t := range r.EffectiveTools() {
		if t.Type != "function" || t.Function == nil {
			continue
		}
		tool, err := toAnthropicTool(t.Function)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

func toAnthropicTool(fn *run.FunctionDefinition) (anthropic.ToolUnionParam, error) {
	raw := fn.Parameters
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", fn.Name, err)
	}
	param := anthropic.ToolUnionParamOfTool(schema, fn.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", fn.Name)
	}
	if fn.Description != "" {
		param.OfTool.Description = anthropic.String(fn.Description)
	}
	return param, nil
}

// turn streams one model response, forwarding text as message events.
func (a *Anthropic) turn(ctx context.Context, exec Execution, params anthropic.MessageNewParams) (*turn, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	w := newMessageWriter(exec.Events, exec.Run.ID)
	t := &turn{}
	var current *toolUse

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				current = &toolUse{ID: tu.ID, Name: tu.Name}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if err := w.write(ctx, delta.Text); err != nil {
					return nil, err
				}
			case "input_json_delta":
				if current != nil {
					current.Input.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if current != nil {
				t.toolUses = append(t.toolUses, current)
				current = nil
			}

		case "message_delta":
			t.stopReason = string(event.AsMessageDelta().Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	text, err := w.close(ctx)
	if err != nil {
		return nil, err
	}
	t.text = text
	return t, nil
}

// callTool routes a model tool call to the caller through the bridge. Calls to
// tools the run does not define are answered with an error result.
func (a *Anthropic) callTool(ctx context.Context, exec Execution, tu *toolUse) (string, bool, error) {
	if _, ok := functionTool(exec.Run, tu.Name); !ok {
		return fmt.Sprintf("tool %q is not available", tu.Name), true, nil
	}
	args := tu.Input.String()
	if args == "" {
		args = "{}"
	}
	sub, err := exec.Tools.Await(ctx, run.ToolRequest{
		Kind: run.ActionSubmitToolOutputs,
		Call: run.ToolCall{
			ID:       tu.ID,
			Type:     "function",
			Function: run.FunctionCall{Name: tu.Name, Arguments: args},
		},
	})
	if err != nil {
		return "", false, err
	}
	return sub.Output, false, nil
}

func toolInput(tu *toolUse) any {
	var input map[string]any
	if err := json.Unmarshal([]byte(tu.Input.String()), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}
