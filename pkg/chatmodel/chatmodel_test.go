package chatmodel

import (
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name      string
		spec      string
		want      Spec
		errSubstr string
	}{
		{
			name: "provider and model",
			spec: "openai:gpt-4o-mini",
			want: Spec{Provider: "openai", Model: "gpt-4o-mini"},
		},
		{
			name: "bare model defaults to openai",
			spec: "gpt-4o-mini",
			want: Spec{Provider: "openai", Model: "gpt-4o-mini"},
		},
		{
			name: "vertex-ai aliases to google",
			spec: "vertex-ai:gemini-2.0-flash",
			want: Spec{Provider: "google", Model: "gemini-2.0-flash"},
		},
		{
			name: "openrouter model keeps slashes",
			spec: "openrouter:meta-llama/llama-3.1-70b-instruct",
			want: Spec{Provider: "openrouter", Model: "meta-llama/llama-3.1-70b-instruct"},
		},
		{
			name: "surrounding whitespace trimmed",
			spec: "  anthropic: claude-sonnet-4-5 ",
			want: Spec{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		},
		{
			name:      "empty spec",
			spec:      "   ",
			errSubstr: "empty",
		},
		{
			name:      "unknown provider",
			spec:      "mystery:model-1",
			errSubstr: "unknown model provider",
		},
		{
			name:      "missing model name",
			spec:      "openai:",
			errSubstr: "no model name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.spec)
			if tt.errSubstr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpec_String(t *testing.T) {
	assert.Equal(t, "openai:gpt-4o", Spec{Provider: "openai", Model: "gpt-4o"}.String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "rate limit", err: errors.New("429 rate limit exceeded"), want: true},
		{name: "server error", err: errors.New("API returned 503 Service Unavailable"), want: true},
		{name: "overloaded", err: errors.New("model is overloaded, retry later"), want: true},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "context deadline", err: errors.New("context deadline exceeded"), want: true},
		{name: "auth failure", err: errors.New("401 invalid api key"), want: false},
		{name: "bad request", err: errors.New("400 invalid request body"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestFromGenkitResponse_ExtractsToolRequests(t *testing.T) {
	resp := &ai.ModelResponse{
		Message: &ai.Message{
			Role: ai.RoleModel,
			Content: []*ai.Part{
				ai.NewTextPart("recording the entry now"),
				ai.NewToolRequestPart(&ai.ToolRequest{
					Name:  "add_entry",
					Input: map[string]any{"summary": "user moved to Lisbon"},
				}),
			},
		},
	}

	got := fromGenkitResponse(resp)

	assert.Equal(t, "recording the entry now", got.Text)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "add_entry", got.ToolCalls[0].Name)
	assert.Equal(t, "user moved to Lisbon", got.ToolCalls[0].Args["summary"])
}

func TestFromGenkitResponse_NoMessage(t *testing.T) {
	got := fromGenkitResponse(&ai.ModelResponse{})
	assert.Empty(t, got.Text)
	assert.Empty(t, got.ToolCalls)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0))
	assert.Nil(t, NewLimiter(-5))
	assert.NotNil(t, NewLimiter(60))
}
