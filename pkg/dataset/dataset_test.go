package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDataset = `[
  {
    "question_id": "q-001",
    "question_type": "single-session-user",
    "question": "What city did I move to?",
    "answer": "Lisbon",
    "haystack_sessions": [
      [
        {"role": "user", "content": "I just moved to Lisbon!"},
        {"role": "assistant", "content": "Congratulations on the move."}
      ],
      [
        {"role": "user", "content": "The weather here is great."},
        {"role": "assistant", "content": "Glad to hear it."},
        {"role": "system", "content": "internal marker"},
        {"role": "user", "content": "   "}
      ]
    ]
  },
  {
    "question_id": "q-002",
    "question_type": "multi-session",
    "question": "What instrument do I play?",
    "answer": "cello",
    "sessions": [
      [
        {"role": "user", "content": "My cello lesson went well today."}
      ]
    ]
  }
]`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDataset), 0o644))

	qs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, qs, 2)

	assert.Equal(t, "q-001", qs[0].ID)
	assert.Equal(t, "single-session-user", qs[0].Type)
	assert.Equal(t, "Lisbon", qs[0].Answer)
	require.Len(t, qs[0].Sessions, 2)
	assert.Len(t, qs[0].Sessions[0].Messages, 2)

	// "sessions" spelling is accepted too.
	require.Len(t, qs[1].Sessions, 1)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/questions.json")
	require.Error(t, err)
}

func TestParse_MissingQuestionID(t *testing.T) {
	_, err := Parse([]byte(`[{"question": "no id"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question_id")
}

func TestCountMessages_SkipsNonReplayableTurns(t *testing.T) {
	qs, err := Parse([]byte(sampleDataset))
	require.NoError(t, err)

	// q-001 has 6 turns but only 4 are user/assistant with content.
	assert.Equal(t, 4, CountMessages(qs[0]))
	assert.Equal(t, 1, CountMessages(qs[1]))
}

func TestReplayableMessages(t *testing.T) {
	s := Session{Messages: []Turn{
		{Role: "user", Content: "hello"},
		{Role: "system", Content: "hidden"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "hi there"},
	}}

	msgs := ReplayableMessages(s)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "hi there", msgs[1].Content)
}

func TestPayloadRoundTrip(t *testing.T) {
	qs, err := Parse([]byte(sampleDataset))
	require.NoError(t, err)

	payload, err := MarshalPayload(qs[0])
	require.NoError(t, err)

	got, err := UnmarshalPayload(payload)
	require.NoError(t, err)

	assert.Equal(t, qs[0].ID, got.ID)
	assert.Equal(t, qs[0].Question, got.Question)
	require.Len(t, got.Sessions, len(qs[0].Sessions))
	assert.Equal(t, qs[0].Sessions[0].Messages, got.Sessions[0].Messages)
}
