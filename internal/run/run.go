// Package run defines the Run entity, its lifecycle state machine and the
// required-action payload a suspended run waits on.
package run

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error codes carried in ErrorObject.
const (
	CodeServerError   = "server_error"
	CodeRateLimit     = "rate_limit_exceeded"
	CodeInvalidPrompt = "invalid_prompt"
)

// GenericFailure is the payload recorded on every run-level failure. Internal
// error detail is logged, never exposed.
var GenericFailure = ErrorObject{Code: CodeServerError, Message: "Sorry, something went wrong."}

// Validation errors
var (
	ErrEmptyID      = errors.New("ID cannot be empty")
	ErrEmptyOwnerID = errors.New("owner ID cannot be empty")
	ErrInvalidState = errors.New("invalid run status")
)

// ErrorObject is the {code, message} payload of a failed run and of the
// streaming error event.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IncompleteDetails explains why a run ended without completing.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// FunctionDefinition describes a callable function tool.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool is a tool enabled for the agent. Type is "function" for user-defined
// tools; other types are built in and handled by the executor.
type Tool struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

// Assistant is the agent definition snapshot used by a run.
type Assistant struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Tools        []Tool `json:"tools,omitempty"`
}

// Message is one turn of the thread history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// File is an attachment whose extracted content the agent may read.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
}

// Thread is the conversation snapshot a run executes against.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages,omitempty"`
	Files    []File    `json:"files,omitempty"`
}

// Run is one execution of an assistant against a thread.
type Run struct {
	ID                string             `json:"id"`
	OwnerID           string             `json:"owner_id"`
	AssistantID       string             `json:"assistant_id"`
	ThreadID          string             `json:"thread_id"`
	Status            Status             `json:"status"`
	RequiredAction    *RequiredAction    `json:"required_action,omitempty"`
	LastError         *ErrorObject       `json:"last_error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
	Model             string             `json:"model,omitempty"`
	Instructions      string             `json:"instructions,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
	Assistant         Assistant          `json:"-"`
	Thread            Thread             `json:"-"`
	CreatedAt         time.Time          `json:"created_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CancelledAt       *time.Time         `json:"cancelled_at,omitempty"`
	FailedAt          *time.Time         `json:"failed_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
	DeletedAt         *time.Time         `json:"-"`
	Version           int64              `json:"-"`
}

// NewID returns a prefixed identifier such as run_3f2a....
func NewID(prefix string) string {
	id := uuid.New()
	return prefix + "_" + hex.EncodeToString(id[:])
}

// Validate checks required fields and the status-dependent payload invariants.
func (r *Run) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if r.OwnerID == "" {
		return ErrEmptyOwnerID
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, r.Status)
	}
	if (r.Status == StatusRequiresAction) != (r.RequiredAction != nil) {
		return fmt.Errorf("required_action must be set iff status is %s", StatusRequiresAction)
	}
	if r.RequiredAction != nil {
		if err := r.RequiredAction.Validate(); err != nil {
			return err
		}
	}
	if (r.Status == StatusFailed) != (r.LastError != nil) {
		return fmt.Errorf("last_error must be set iff status is %s", StatusFailed)
	}
	if (r.Status == StatusIncomplete) != (r.IncompleteDetails != nil) {
		return fmt.Errorf("incomplete_details must be set iff status is %s", StatusIncomplete)
	}
	return nil
}

// CanTransitionTo reports whether the run may move to target.
func (r *Run) CanTransitionTo(target Status) bool {
	return CanTransition(r.Status, target)
}

// TransitionTo moves the run to target, stamping the matching timestamp and
// clearing payloads that only belong to the previous status. Callers attach the
// target's own payload (RequiredAction, LastError, IncompleteDetails) afterwards.
func (r *Run) TransitionTo(target Status, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if !CanTransition(r.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, target)
	}
	r.Status = target
	if target != StatusRequiresAction {
		r.RequiredAction = nil
	}
	switch target {
	case StatusInProgress:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case StatusCancelled:
		r.CancelledAt = &now
	case StatusFailed:
		r.FailedAt = &now
	case StatusCompleted, StatusIncomplete:
		r.CompletedAt = &now
	}
	return nil
}

// Fail moves the run to failed with the given payload.
func (r *Run) Fail(obj ErrorObject, now time.Time) error {
	if err := r.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	r.LastError = &obj
	return nil
}

// Incomplete moves the run to incomplete with the given reason.
func (r *Run) Incomplete(reason string, now time.Time) error {
	if err := r.TransitionTo(StatusIncomplete, now); err != nil {
		return err
	}
	r.IncompleteDetails = &IncompleteDetails{Reason: reason}
	return nil
}

// Files returns the thread attachments the agent may read.
func (r *Run) Files() []File {
	return r.Thread.Files
}

// EffectiveModel returns the per-run model override or the assistant's model.
func (r *Run) EffectiveModel() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Assistant.Model
}

// EffectiveInstructions returns the per-run instructions override or the assistant's.
func (r *Run) EffectiveInstructions() string {
	if r.Instructions != "" {
		return r.Instructions
	}
	return r.Assistant.Instructions
}

// EffectiveTools returns the per-run tool override or the assistant's tools.
func (r *Run) EffectiveTools() []Tool {
	if len(r.Tools) > 0 {
		return r.Tools
	}
	return r.Assistant.Tools
}

// IsDeleted reports whether the run was soft-deleted.
func (r *Run) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.RequiredAction = r.RequiredAction.Clone()
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.IncompleteDetails != nil {
		d := *r.IncompleteDetails
		out.IncompleteDetails = &d
	}
	out.Tools = append([]Tool(nil), r.Tools...)
	out.Assistant.Tools = append([]Tool(nil), r.Assistant.Tools...)
	out.Thread.Messages = append([]Message(nil), r.Thread.Messages...)
	out.Thread.Files = append([]File(nil), r.Thread.Files...)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	out.FailedAt = cloneTime(r.FailedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.DeletedAt = cloneTime(r.DeletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
