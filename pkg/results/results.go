// Package results writes run artifacts: the append-only hypothesis log
// that scoring consumes, and per-question result files for debugging.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Hypothesis is one generated answer. The log is append-only: re-running
// QA adds a record, and scoring takes the latest per question.
type Hypothesis struct {
	RunID      string    `json:"run_id"`
	QuestionID string    `json:"question_id"`
	VaultID    string    `json:"vault_id"`
	MemoryID   string    `json:"memory_id"`
	Model      string    `json:"model"`
	Hypothesis string    `json:"hypothesis"`
	CreatedAt  time.Time `json:"created_at"`
}

// QuestionResult is the per-question debugging artifact, merged as phases
// complete.
type QuestionResult struct {
	QuestionID        string `json:"question_id"`
	QuestionType      string `json:"question_type,omitempty"`
	Question          string `json:"question,omitempty"`
	ExpectedAnswer    string `json:"expected_answer,omitempty"`
	Hypothesis        string `json:"hypothesis,omitempty"`
	MemoryID          string `json:"memory_id,omitempty"`
	SessionsIngested  int    `json:"sessions_ingested,omitempty"`
	MessagesIngested  int    `json:"messages_ingested,omitempty"`
	ToolViolations    int    `json:"tool_violations,omitempty"`
	IngestionDuration string `json:"ingestion_duration,omitempty"`
	QADuration        string `json:"qa_duration,omitempty"`
}

// Writer lays out one run's artifacts on disk.
type Writer struct {
	log        logrus.FieldLogger
	resultsDir string
	logsDir    string
	runID      string
}

// NewWriter creates a Writer rooted at resultsDir/runID and logsDir/runID.
func NewWriter(log logrus.FieldLogger, resultsDir, logsDir, runID string) *Writer {
	return &Writer{
		log:        log.WithField("component", "results"),
		resultsDir: resultsDir,
		logsDir:    logsDir,
		runID:      runID,
	}
}

// HypothesesPath returns the run's hypothesis log path.
func (w *Writer) HypothesesPath() string {
	return filepath.Join(w.resultsDir, w.runID, "hypotheses.jsonl")
}

// AppendHypothesis appends one record to the run's hypothesis log. The
// record is written in a single call on an O_APPEND handle, so concurrent
// workers never interleave lines.
func (w *Writer) AppendHypothesis(h Hypothesis) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	path := w.HypothesesPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	line, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding hypothesis: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening hypothesis log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending hypothesis: %w", err)
	}

	w.log.WithField("question_id", h.QuestionID).Info("Hypothesis recorded")

	return nil
}

// ReadHypotheses returns every record in the run's hypothesis log. A
// missing log is an empty run, not an error.
func (w *Writer) ReadHypotheses() ([]Hypothesis, error) {
	data, err := os.ReadFile(w.HypothesesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading hypothesis log: %w", err)
	}

	var out []Hypothesis

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var h Hypothesis
		if err := dec.Decode(&h); err != nil {
			return nil, fmt.Errorf("decoding hypothesis log: %w", err)
		}

		out = append(out, h)
	}

	return out, nil
}

func (w *Writer) questionResultPath(questionID string) string {
	return filepath.Join(w.logsDir, w.runID, questionID+".result.json")
}

// MergeQuestionResult merges updates into the question's result file and
// replaces it atomically via a temp file rename.
func (w *Writer) MergeQuestionResult(questionID string, update func(r *QuestionResult)) error {
	path := w.questionResultPath(questionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}

	result := QuestionResult{QuestionID: questionID}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("parsing existing result file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading result file: %w", err)
	}

	update(&result)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing result temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing result file: %w", err)
	}

	return nil
}
