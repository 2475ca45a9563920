// Package dataset loads LongMemEval-style question files. Each record is a
// multi-session conversation history plus one question about it.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Turn is a single message in a session transcript.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one chat session's ordered transcript.
type Session struct {
	Messages []Turn
}

// Question is one benchmark record.
type Question struct {
	ID       string    `json:"question_id"`
	Type     string    `json:"question_type"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	Sessions []Session `json:"-"`
}

// rawQuestion tolerates the session-field spellings seen in published
// dataset variants.
type rawQuestion struct {
	ID       string   `json:"question_id"`
	Type     string   `json:"question_type"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Sessions [][]Turn `json:"sessions"`
	Haystack [][]Turn `json:"haystack_sessions"`
}

// Load reads a JSON array of question records from path.
func Load(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a JSON array of question records.
func Parse(data []byte) ([]Question, error) {
	var raw []rawQuestion
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing dataset: %w", err)
	}

	questions := make([]Question, 0, len(raw))

	for i, r := range raw {
		if r.ID == "" {
			return nil, fmt.Errorf("dataset record %d has no question_id", i)
		}

		turns := r.Sessions
		if len(turns) == 0 {
			turns = r.Haystack
		}

		sessions := make([]Session, 0, len(turns))
		for _, msgs := range turns {
			sessions = append(sessions, Session{Messages: msgs})
		}

		questions = append(questions, Question{
			ID:       r.ID,
			Type:     r.Type,
			Question: r.Question,
			Answer:   r.Answer,
			Sessions: sessions,
		})
	}

	return questions, nil
}

// countable reports whether a turn is replayed into the memory agent.
// Only user and assistant turns with non-blank content count.
func countable(t Turn) bool {
	if t.Role != "user" && t.Role != "assistant" {
		return false
	}

	return strings.TrimSpace(t.Content) != ""
}

// CountMessages returns the number of turns that will actually be
// replayed for q. Used for progress accounting, so the total is advisory
// rather than exact.
func CountMessages(q Question) int {
	total := 0

	for _, s := range q.Sessions {
		for _, t := range s.Messages {
			if countable(t) {
				total++
			}
		}
	}

	return total
}

// ReplayableMessages returns the turns of s that the agent replays,
// preserving order.
func ReplayableMessages(s Session) []Turn {
	out := make([]Turn, 0, len(s.Messages))

	for _, t := range s.Messages {
		if countable(t) {
			out = append(out, t)
		}
	}

	return out
}

// MarshalPayload serializes a question for storage alongside its
// progress row, so workers never re-read the dataset file.
func MarshalPayload(q Question) (string, error) {
	type payload struct {
		ID       string   `json:"question_id"`
		Type     string   `json:"question_type"`
		Question string   `json:"question"`
		Answer   string   `json:"answer"`
		Sessions [][]Turn `json:"sessions"`
	}

	sessions := make([][]Turn, 0, len(q.Sessions))
	for _, s := range q.Sessions {
		sessions = append(sessions, s.Messages)
	}

	data, err := json.Marshal(payload{
		ID:       q.ID,
		Type:     q.Type,
		Question: q.Question,
		Answer:   q.Answer,
		Sessions: sessions,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling question payload: %w", err)
	}

	return string(data), nil
}

// UnmarshalPayload is the inverse of MarshalPayload.
func UnmarshalPayload(data string) (Question, error) {
	qs, err := Parse([]byte("[" + data + "]"))
	if err != nil {
		return Question{}, err
	}

	if len(qs) != 1 {
		return Question{}, fmt.Errorf("expected one question in payload, got %d", len(qs))
	}

	return qs[0], nil
}
