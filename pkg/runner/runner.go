// Package runner executes one question end to end: replaying its sessions
// into the memory service, then answering from what the service retained.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mycelian/memobench/pkg/agent"
	"github.com/mycelian/memobench/pkg/chatmodel"
	"github.com/mycelian/memobench/pkg/dataset"
	"github.com/mycelian/memobench/pkg/memoryservice"
	"github.com/mycelian/memobench/pkg/progress"
	"github.com/mycelian/memobench/pkg/results"
	"github.com/mycelian/memobench/pkg/retrieval"
)

// qaSystemPrompt frames answer synthesis.
const qaSystemPrompt = `You answer questions about a user based on memory retrieved
from their prior conversations. Answer from the provided memory only. Be
direct and concise; give the answer without meta-commentary. If the memory
does not contain the answer, say so plainly.`

// maxStoredError caps error text persisted to the progress store.
const maxStoredError = 500

// failRecordTimeout bounds the failure-state write, which runs on its own
// context because the task's may already be dead.
const failRecordTimeout = 10 * time.Second

// Config wires a Runner.
type Config struct {
	VaultTitle  string
	ContextOnly bool
	WorkerID    string
}

// Runner executes ingestion and QA work units.
type Runner struct {
	log       logrus.FieldLogger
	store     progress.Store
	manager   *memoryservice.Manager
	svc       memoryservice.Client
	ingest    chatmodel.Model
	qa        chatmodel.Model
	retriever *retrieval.TwoPassRetriever
	writer    *results.Writer
	cfg       Config
}

// New creates a Runner.
func New(
	log logrus.FieldLogger,
	store progress.Store,
	manager *memoryservice.Manager,
	svc memoryservice.Client,
	ingest, qa chatmodel.Model,
	retriever *retrieval.TwoPassRetriever,
	writer *results.Writer,
	cfg Config,
) *Runner {
	return &Runner{
		log:       log.WithField("component", "runner"),
		store:     store,
		manager:   manager,
		svc:       svc,
		ingest:    ingest,
		qa:        qa,
		retriever: retriever,
		writer:    writer,
		cfg:       cfg,
	}
}

func storedError(err error) string {
	msg := err.Error()
	if len(msg) > maxStoredError {
		msg = msg[:maxStoredError]
	}

	return msg
}

// RunIngestion replays a question's sessions into its memory, resuming
// from the last persisted session boundary. Already-ingested questions
// return immediately so the caller can move straight to QA.
func (r *Runner) RunIngestion(ctx context.Context, runID, questionID string) error {
	log := r.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"question_id": questionID,
	})

	qp, err := r.store.GetQuestion(ctx, runID, questionID)
	if err != nil {
		return fmt.Errorf("loading question state: %w", err)
	}

	if qp.IngestionStatus == progress.StatusCompleted {
		log.Info("Ingestion already completed, skipping")

		return nil
	}

	if err := r.ingestQuestion(ctx, log, qp); err != nil {
		// The failure must land even when ctx itself expired, as it does
		// when the task exceeded its wall-clock budget.
		failCtx, cancel := context.WithTimeout(context.Background(), failRecordTimeout)
		defer cancel()

		if failErr := r.store.FailIngestion(failCtx, runID, questionID, storedError(err)); failErr != nil {
			log.WithError(failErr).Error("Failed to record ingestion failure")
		}

		return err
	}

	return nil
}

func (r *Runner) ingestQuestion(ctx context.Context, log logrus.FieldLogger, qp *progress.QuestionProgress) error {
	question, err := dataset.UnmarshalPayload(qp.QuestionJSON)
	if err != nil {
		return fmt.Errorf("decoding stored question: %w", err)
	}

	if err := r.store.ClaimIngestion(ctx, qp.RunID, qp.QuestionID, r.cfg.WorkerID); err != nil {
		return fmt.Errorf("claiming question: %w", err)
	}

	started := time.Now()

	vault, err := r.manager.EnsureVault(ctx, r.cfg.VaultTitle)
	if err != nil {
		return err
	}

	memoryID := qp.MemoryID
	memoryTitle := qp.MemoryTitle

	if memoryID == "" {
		memory, err := r.manager.EnsureMemory(ctx, vault.ID, qp.QuestionID)
		if err != nil {
			return err
		}

		memoryID = memory.ID
		memoryTitle = memory.Title
	}

	if err := r.store.SetVaultMemory(ctx, qp.RunID, qp.QuestionID, vault.ID, memoryID, memoryTitle); err != nil {
		return err
	}

	exec := agent.NewExecutor(log, r.ingest, r.svc, vault.ID, memoryID, r.cfg.ContextOnly)
	inv := agent.NewInvoker(exec)

	resumeFrom := qp.CompletedSessions
	if resumeFrom > 0 {
		log.WithField("session", resumeFrom).Info("Resuming ingestion mid-question")
	}

	// Message counter restarts at the resume boundary; messages of the
	// interrupted session replay from its beginning.
	msgCount := 0
	for _, s := range question.Sessions[:resumeFrom] {
		msgCount += len(dataset.ReplayableMessages(s))
	}

	for si := resumeFrom; si < len(question.Sessions); si++ {
		if err := r.ingestSession(ctx, inv, question.Sessions[si], &msgCount, qp, si); err != nil {
			return err
		}

		if err := r.store.UpdateCounters(ctx, qp.RunID, qp.QuestionID, si+1, msgCount); err != nil {
			return err
		}
	}

	if err := r.store.CompleteIngestion(ctx, qp.RunID, qp.QuestionID); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"sessions":   len(question.Sessions),
		"messages":   msgCount,
		"violations": inv.Violations(),
		"duration":   time.Since(started).Round(time.Second),
	}).Info("Ingestion completed")

	if err := r.writer.MergeQuestionResult(qp.QuestionID, func(res *results.QuestionResult) {
		res.QuestionType = question.Type
		res.Question = question.Question
		res.ExpectedAnswer = question.Answer
		res.MemoryID = memoryID
		res.SessionsIngested = len(question.Sessions)
		res.MessagesIngested = msgCount
		res.ToolViolations = inv.Violations()
		res.IngestionDuration = time.Since(started).Round(time.Second).String()
	}); err != nil {
		log.WithError(err).Warn("Failed to write question result file")
	}

	return nil
}

func (r *Runner) ingestSession(ctx context.Context, inv *agent.Invoker, session dataset.Session, msgCount *int, qp *progress.QuestionProgress, si int) (err error) {
	if err := inv.StartSession(ctx); err != nil {
		return fmt.Errorf("starting session %d: %w", si, err)
	}

	// The session close runs even after a mid-session failure: a stored
	// context document is what keeps the question resumable.
	defer func() {
		if endErr := inv.EndSession(ctx); endErr != nil {
			if err == nil {
				err = fmt.Errorf("ending session %d: %w", si, endErr)
			} else {
				r.log.WithError(endErr).Warn("Best-effort session close failed")
			}
		}
	}()

	for _, turn := range dataset.ReplayableMessages(session) {
		if err := inv.ProcessMessage(ctx, &turn); err != nil {
			return fmt.Errorf("processing message in session %d: %w", si, err)
		}

		*msgCount++

		// Message-level progress is persisted immediately; the session
		// counter only advances at the session boundary.
		if err := r.store.UpdateCounters(ctx, qp.RunID, qp.QuestionID, si, *msgCount); err != nil {
			return err
		}
	}

	return nil
}

// RunQA answers a question from its ingested memory and appends the
// hypothesis record. Ingestion state is never touched on failure.
func (r *Runner) RunQA(ctx context.Context, runID, questionID string) error {
	log := r.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"question_id": questionID,
	})

	qp, err := r.store.GetQuestion(ctx, runID, questionID)
	if err != nil {
		return fmt.Errorf("loading question state: %w", err)
	}

	if err := r.answerQuestion(ctx, log, qp); err != nil {
		failCtx, cancel := context.WithTimeout(context.Background(), failRecordTimeout)
		defer cancel()

		if failErr := r.store.FailQA(failCtx, runID, questionID, storedError(err)); failErr != nil {
			log.WithError(failErr).Error("Failed to record qa failure")
		}

		return err
	}

	return nil
}

func (r *Runner) answerQuestion(ctx context.Context, log logrus.FieldLogger, qp *progress.QuestionProgress) error {
	if qp.MemoryID == "" {
		return fmt.Errorf("question %s has no memory bound; ingestion must complete first", qp.QuestionID)
	}

	question, err := dataset.UnmarshalPayload(qp.QuestionJSON)
	if err != nil {
		return fmt.Errorf("decoding stored question: %w", err)
	}

	if err := r.store.MarkQAStarted(ctx, qp.RunID, qp.QuestionID, r.cfg.WorkerID); err != nil {
		return err
	}

	started := time.Now()

	if err := r.svc.AwaitConsistency(ctx, qp.VaultID, qp.MemoryID); err != nil {
		return fmt.Errorf("awaiting consistency before qa: %w", err)
	}

	material, err := r.retriever.Retrieve(ctx, qp.VaultID, qp.MemoryID, question.Question)
	if err != nil {
		return err
	}

	if err := r.store.Touch(ctx, qp.RunID, qp.QuestionID); err != nil {
		log.WithError(err).Warn("Failed to record qa progress")
	}

	prompt := buildQAPrompt(question.Question, material)

	resp, err := r.qa.Invoke(ctx, []chatmodel.Message{
		{Role: "user", Content: prompt},
	}, &chatmodel.Options{System: qaSystemPrompt})
	if err != nil {
		return fmt.Errorf("synthesizing answer: %w", err)
	}

	hypothesis := strings.TrimSpace(resp.Text)
	if hypothesis == "" {
		return fmt.Errorf("model produced an empty answer")
	}

	if err := r.writer.AppendHypothesis(results.Hypothesis{
		RunID:      qp.RunID,
		QuestionID: qp.QuestionID,
		VaultID:    qp.VaultID,
		MemoryID:   qp.MemoryID,
		Model:      r.qa.Name(),
		Hypothesis: hypothesis,
	}); err != nil {
		return err
	}

	if err := r.store.CompleteQA(ctx, qp.RunID, qp.QuestionID); err != nil {
		return err
	}

	log.WithField("duration", time.Since(started).Round(time.Second)).
		Info("Question answered")

	if err := r.writer.MergeQuestionResult(qp.QuestionID, func(res *results.QuestionResult) {
		res.Hypothesis = hypothesis
		res.QADuration = time.Since(started).Round(time.Second).String()
	}); err != nil {
		log.WithError(err).Warn("Failed to write question result file")
	}

	return nil
}

// buildQAPrompt renders retrieved material by reliability: the latest
// context document first, then matched context shards, then entry
// summaries.
func buildQAPrompt(question string, material *memoryservice.SearchResult) string {
	var b strings.Builder

	b.WriteString("Memory retrieved for this question:\n\n")

	if material.LatestContext != "" {
		b.WriteString("Current context:\n")
		b.WriteString(material.LatestContext)
		b.WriteString("\n\n")
	}

	if len(material.Contexts) > 0 {
		b.WriteString("Related context:\n")

		for _, c := range material.Contexts {
			b.WriteString("- ")
			b.WriteString(c.Text)
			b.WriteString("\n")
		}

		b.WriteString("\n")
	}

	if len(material.Entries) > 0 {
		b.WriteString("Memory entries:\n")

		for _, e := range material.Entries {
			b.WriteString("- ")
			b.WriteString(e.Summary)
			b.WriteString("\n")
		}

		b.WriteString("\n")
	}

	if material.Empty() {
		b.WriteString("(nothing was retrieved)\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(question)

	return b.String()
}
