package engine

import (
	"context"
	"errors"
	"fmt"
)

// Input is the generation context handed to the external multi-agent
// pipeline. Feedback and PriorContent are set for iterations only.
type Input struct {
	Prompt       string         `json:"prompt"`
	Feedback     string         `json:"feedback,omitempty"`
	PriorContent map[string]any `json:"prior_content,omitempty"`
}

// Result is the structured story document the pipeline returns.
type Result struct {
	Document map[string]any
}

// ProgressFunc receives stage-completion notifications from the
// engine. It may be called from a different goroutine than Run's
// caller; the executor serializes on its side.
type ProgressFunc func(stage string, percent int)

// Engine is the narrow contract this service expects from the
// content-generation pipeline. Run must honor ctx cancellation as best
// it can but is allowed to be abandoned at the deadline.
type Engine interface {
	Run(ctx context.Context, in Input, onProgress ProgressFunc) (*Result, error)
}

type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindMalformedInput ErrorKind = "malformed_input"
	KindInvalidOutput  ErrorKind = "invalid_output"
)

// Error is a classified engine failure. Anything that is not an
// *Error (plain network errors, context deadline) is treated as
// transient by the executor.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("engine %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies an error from Run. Only a malformed-input
// rejection is non-transient.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindTransient
}

// ValidateResult checks the minimal structural contract on a returned
// document: a title and at least one scene, each scene carrying an id
// and text. Generation noise routinely violates this, which is why the
// executor treats it as a retryable failure.
func ValidateResult(doc map[string]any) error {
	if doc == nil {
		return &Error{Kind: KindInvalidOutput, Message: "empty document"}
	}
	title, _ := doc["title"].(string)
	if title == "" {
		return &Error{Kind: KindInvalidOutput, Message: "missing title"}
	}
	scenes, ok := doc["scenes"].([]any)
	if !ok || len(scenes) == 0 {
		return &Error{Kind: KindInvalidOutput, Message: "missing scenes"}
	}
	for i, raw := range scenes {
		scene, ok := raw.(map[string]any)
		if !ok {
			return &Error{Kind: KindInvalidOutput, Message: fmt.Sprintf("scene %d is not an object", i)}
		}
		if id, _ := scene["id"].(string); id == "" {
			return &Error{Kind: KindInvalidOutput, Message: fmt.Sprintf("scene %d missing id", i)}
		}
		if text, _ := scene["text"].(string); text == "" {
			return &Error{Kind: KindInvalidOutput, Message: fmt.Sprintf("scene %d missing text", i)}
		}
	}
	return nil
}

// Title extracts the display title and synopsis from a validated
// document for the story record.
func Title(doc map[string]any) (title, synopsis string) {
	title, _ = doc["title"].(string)
	synopsis, _ = doc["synopsis"].(string)
	return title, synopsis
}
