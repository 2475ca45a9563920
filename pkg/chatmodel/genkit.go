package chatmodel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxAttempts bounds retries of a single completion against transient
// provider failures.
const maxAttempts = 6

// Compile-time interface check.
var _ Model = (*genkitModel)(nil)

type genkitModel struct {
	log     logrus.FieldLogger
	g       *genkit.Genkit
	spec    Spec
	limiter *rate.Limiter
	tools   map[string]ai.Tool
}

// New initializes a genkit-backed Model for the given "provider:model"
// specifier. toolDefs declares every tool any invocation may reference;
// limiter, when non-nil, throttles completions across the process.
func New(ctx context.Context, log logrus.FieldLogger, spec string, toolDefs []ToolDef, limiter *rate.Limiter) (Model, error) {
	parsed, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	g, err := initGenkit(ctx, parsed)
	if err != nil {
		return nil, err
	}

	m := &genkitModel{
		log:     log.WithField("component", "chatmodel").WithField("model", parsed.String()),
		g:       g,
		spec:    parsed,
		limiter: limiter,
		tools:   make(map[string]ai.Tool, len(toolDefs)),
	}

	for _, def := range toolDefs {
		// Tool requests are returned to the caller undecided, so the
		// handler must never run.
		m.tools[def.Name] = genkit.DefineTool(g, def.Name, def.Description,
			func(_ *ai.ToolContext, _ map[string]any) (string, error) {
				return "", fmt.Errorf("tool %s must not be executed by the model runtime", def.Name)
			})
	}

	return m, nil
}

func initGenkit(ctx context.Context, spec Spec) (*genkit.Genkit, error) {
	switch spec.Provider {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}

		return genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		})), nil

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}

		return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		})), nil

	case "openrouter":
		apiKey := os.Getenv("OPENROUTER_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENROUTER_API_KEY is not set")
		}

		return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		})), nil

	case "openai-compatible":
		apiKey := os.Getenv("OPENAI_API_KEY")
		baseURL := os.Getenv("OPENAI_BASE_URL")

		if apiKey == "" || baseURL == "" {
			return nil, fmt.Errorf("openai-compatible provider requires OPENAI_API_KEY and OPENAI_BASE_URL")
		}

		return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai-compatible",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		})), nil

	case "google":
		if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}

		return genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{})), nil

	default:
		return nil, fmt.Errorf("unknown model provider: %s", spec.Provider)
	}
}

// modelName returns the genkit model reference for the spec.
func (m *genkitModel) modelName() string {
	switch m.spec.Provider {
	case "google":
		return "googleai/" + m.spec.Model
	default:
		return m.spec.Provider + "/" + m.spec.Model
	}
}

func (m *genkitModel) Name() string {
	return m.spec.String()
}

func (m *genkitModel) Invoke(ctx context.Context, msgs []Message, opts *Options) (*Response, error) {
	if opts == nil {
		opts = &Options{}
	}

	genOpts := []ai.GenerateOption{ai.WithModelName(m.modelName())}

	if opts.System != "" {
		// Escape % so prompt text survives WithSystem's fmt formatting.
		genOpts = append(genOpts, ai.WithSystem(strings.ReplaceAll(opts.System, "%", "%%")))
	}

	aiMsgs, err := toGenkitMessages(msgs)
	if err != nil {
		return nil, err
	}

	genOpts = append(genOpts, ai.WithMessages(aiMsgs...))

	if len(opts.Tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(opts.Tools))

		for _, name := range opts.Tools {
			tool, ok := m.tools[name]
			if !ok {
				return nil, fmt.Errorf("tool %s was not declared at model construction", name)
			}

			refs = append(refs, tool)
		}

		genOpts = append(genOpts,
			ai.WithTools(refs...),
			ai.WithReturnToolRequests(true),
		)
	}

	resp, err := m.generateWithRetry(ctx, genOpts)
	if err != nil {
		return nil, err
	}

	return fromGenkitResponse(resp), nil
}

func (m *genkitModel) generateWithRetry(ctx context.Context, genOpts []ai.GenerateOption) (*ai.ModelResponse, error) {
	operation := func() (*ai.ModelResponse, error) {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		resp, err := genkit.Generate(ctx, m.g, genOpts...)
		if err == nil {
			return resp, nil
		}

		if !isTransient(err) {
			return nil, backoff.Permanent(err)
		}

		m.log.WithError(err).Warn("Transient model error, retrying")

		return nil, err
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("generating completion with %s: %w", m.spec, err)
	}

	return resp, nil
}

// isTransient reports whether a provider error is worth retrying.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range []string{
		"rate limit", "rate_limit", "429",
		"500", "502", "503", "504",
		"overloaded", "timeout", "deadline exceeded",
		"connection reset", "connection refused", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

func toGenkitMessages(msgs []Message) ([]*ai.Message, error) {
	out := make([]*ai.Message, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			out = append(out, ai.NewUserTextMessage(msg.Content))
		case "assistant":
			out = append(out, ai.NewModelTextMessage(msg.Content))
		case "system":
			out = append(out, ai.NewSystemTextMessage(msg.Content))
		default:
			return nil, fmt.Errorf("unknown message role: %s", msg.Role)
		}
	}

	return out, nil
}

func fromGenkitResponse(resp *ai.ModelResponse) *Response {
	out := &Response{Text: resp.Text()}

	if resp.Message == nil {
		return out
	}

	for _, part := range resp.Message.Content {
		if part.ToolRequest == nil {
			continue
		}

		args, _ := part.ToolRequest.Input.(map[string]any)

		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name: part.ToolRequest.Name,
			Args: args,
		})
	}

	return out
}

// NewLimiter builds a shared per-process completion limiter from a
// requests-per-minute budget. Zero or negative disables throttling.
func NewLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
}
