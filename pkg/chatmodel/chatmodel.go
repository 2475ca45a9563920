// Package chatmodel wraps LLM chat completion behind a small interface.
// Models are addressed by "provider:model" specifiers and invoked with
// optional tool declarations; proposed tool calls come back undecided so
// the caller stays in charge of execution.
package chatmodel

import (
	"context"
	"fmt"
	"strings"
)

// Message is one turn of model input.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// ToolCall is a tool invocation proposed by the model. It is never
// executed by this package.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Response is the model's reply.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolDef declares a tool the model may propose calling.
type ToolDef struct {
	Name        string
	Description string
}

// Options tune a single invocation.
type Options struct {
	System string
	// Tools restricts which declared tools the model sees for this call.
	// Empty means no tools.
	Tools []string
}

// Model is a chat completion backend.
type Model interface {
	Name() string
	Invoke(ctx context.Context, msgs []Message, opts *Options) (*Response, error)
}

// Spec is a parsed "provider:model" specifier.
type Spec struct {
	Provider string
	Model    string
}

// providerAliases maps accepted provider spellings to canonical names.
var providerAliases = map[string]string{
	"openai":            "openai",
	"anthropic":         "anthropic",
	"google":            "google",
	"vertex-ai":         "google",
	"gemini":            "google",
	"openrouter":        "openrouter",
	"openai-compatible": "openai-compatible",
}

// ParseSpec splits a "provider:model" specifier. A bare model name
// defaults to openai.
func ParseSpec(spec string) (Spec, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return Spec{}, fmt.Errorf("model specifier is empty")
	}

	provider, model, found := strings.Cut(trimmed, ":")
	if !found {
		return Spec{Provider: "openai", Model: trimmed}, nil
	}

	canonical, ok := providerAliases[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return Spec{}, fmt.Errorf("unknown model provider: %s", provider)
	}

	model = strings.TrimSpace(model)
	if model == "" {
		return Spec{}, fmt.Errorf("model specifier %q has no model name", spec)
	}

	return Spec{Provider: canonical, Model: model}, nil
}

// String returns the canonical "provider:model" form.
func (s Spec) String() string {
	return s.Provider + ":" + s.Model
}
