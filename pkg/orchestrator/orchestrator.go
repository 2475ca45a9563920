// Package orchestrator schedules question work for a run: initial enqueue,
// crash-recovery resume, QA-only reruns and worker process control. All
// scheduling decisions read the progress store; nothing is held in memory
// across invocations.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mycelian/memobench/pkg/config"
	"github.com/mycelian/memobench/pkg/dataset"
	"github.com/mycelian/memobench/pkg/progress"
	"github.com/mycelian/memobench/pkg/taskqueue"
)

// ResumeMode selects how interrupted questions are rescheduled.
type ResumeMode string

const (
	// ResumeContinue re-enqueues from the last completed session,
	// keeping the bound memory and counters.
	ResumeContinue ResumeMode = "continue"
	// ResumeRestart hard-resets to session zero, discarding the bound
	// memory.
	ResumeRestart ResumeMode = "restart"
)

// ParseResumeMode validates a mode string from the CLI.
func ParseResumeMode(s string) (ResumeMode, error) {
	switch ResumeMode(s) {
	case ResumeContinue, ResumeRestart:
		return ResumeMode(s), nil
	default:
		return "", fmt.Errorf("unknown resume mode %q (want continue or restart)", s)
	}
}

// Orchestrator enqueues and repairs question work for runs.
type Orchestrator struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	configPath string
	store      progress.Store
	queue      taskqueue.Queue
}

// New creates an Orchestrator.
func New(log logrus.FieldLogger, cfg *config.Config, configPath string, store progress.Store, queue taskqueue.Queue) *Orchestrator {
	return &Orchestrator{
		log:        log.WithField("component", "orchestrator"),
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		queue:      queue,
	}
}

// Preflight verifies a run can start: the dataset file must exist and the
// results directories must be writable.
func (o *Orchestrator) Preflight() error {
	if _, err := os.Stat(o.cfg.Dataset); err != nil {
		return fmt.Errorf("dataset file: %w", err)
	}

	for _, dir := range []string{o.cfg.Results.Dir, o.cfg.Results.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("results directory %s: %w", dir, err)
		}
	}

	return nil
}

// StartRun loads the dataset, registers the run and its questions, and
// enqueues one ingest task per question. Re-running with the same run id
// is safe: existing rows keep their progress and active tasks are not
// duplicated. Returns the number of tasks enqueued.
func (o *Orchestrator) StartRun(ctx context.Context, runID string, limit int) (int, error) {
	questions, err := dataset.Load(o.cfg.Dataset)
	if err != nil {
		return 0, err
	}

	if limit > 0 && limit < len(questions) {
		questions = questions[:limit]
	}

	if len(questions) == 0 {
		return 0, nil
	}

	if err := o.store.CreateRun(ctx, &progress.Run{
		RunID:       runID,
		DatasetPath: o.cfg.Dataset,
		ConfigPath:  o.configPath,
		VaultTitle:  o.cfg.Service.VaultTitle,
	}); err != nil {
		return 0, fmt.Errorf("registering run: %w", err)
	}

	rows := make([]*progress.QuestionProgress, 0, len(questions))

	for _, q := range questions {
		payload, err := dataset.MarshalPayload(q)
		if err != nil {
			return 0, fmt.Errorf("question %s: %w", q.ID, err)
		}

		rows = append(rows, &progress.QuestionProgress{
			RunID:           runID,
			QuestionID:      q.ID,
			QuestionType:    q.Type,
			QuestionJSON:    payload,
			TotalSessions:   len(q.Sessions),
			TotalMessages:   dataset.CountMessages(q),
			Status:          progress.StatusPending,
			IngestionStatus: progress.StatusPending,
			QAStatus:        progress.StatusPending,
		})
	}

	if err := o.store.InitQuestions(ctx, rows); err != nil {
		return 0, fmt.Errorf("initializing questions: %w", err)
	}

	enqueued := 0

	for _, q := range questions {
		created, err := o.queue.Enqueue(ctx, runID, q.ID, taskqueue.KindIngest, o.cfg.Workers.TaskMaxAttempts)
		if err != nil {
			return enqueued, fmt.Errorf("enqueueing %s: %w", q.ID, err)
		}

		if created {
			enqueued++
		}
	}

	o.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"questions": len(questions),
		"enqueued":  enqueued,
	}).Info("Run started")

	return enqueued, nil
}

// Resume reschedules interrupted work for a run. Four repair classes are
// scanned in fixed priority order, each deduplicated against the set of
// questions already claimed this pass, then remaining pending questions
// are enqueued. Returns the number of tasks enqueued.
func (o *Orchestrator) Resume(ctx context.Context, runID string, mode ResumeMode, force bool) (int, error) {
	log := o.log.WithFields(logrus.Fields{"run_id": runID, "mode": mode})
	claimed := make(map[string]bool)
	enqueued := 0

	enqueue := func(questionID, kind string, attempts int) error {
		// Re-ingesting supersedes any QA task still queued for the
		// question; left alone it would run against the reset row and
		// fail before the fresh ingest finishes.
		if kind == taskqueue.KindIngest {
			if _, err := o.queue.CancelQueued(ctx, runID, questionID, taskqueue.KindQA); err != nil {
				return fmt.Errorf("superseding qa for %s: %w", questionID, err)
			}
		}

		created, err := o.queue.Enqueue(ctx, runID, questionID, kind, attempts)
		if err != nil {
			return fmt.Errorf("enqueueing %s: %w", questionID, err)
		}

		claimed[questionID] = true
		if created {
			enqueued++
		}

		return nil
	}

	ingestAttempts := o.cfg.Workers.TaskMaxAttempts
	qaAttempts := o.cfg.Workers.QAMaxAttempts

	// 1. Partial session progress exists: a worker died mid-question.
	resumable, err := o.store.ResumableQuestions(ctx, runID)
	if err != nil {
		return enqueued, err
	}

	for _, qp := range resumable {
		if claimed[qp.QuestionID] {
			continue
		}

		if mode == ResumeRestart {
			if err := o.store.ResetForRestart(ctx, runID, qp.QuestionID); err != nil {
				return enqueued, err
			}
		}

		log.WithFields(logrus.Fields{
			"question_id": qp.QuestionID,
			"sessions":    fmt.Sprintf("%d/%d", qp.CompletedSessions, qp.TotalSessions),
		}).Info("Rescheduling interrupted question")

		if err := enqueue(qp.QuestionID, taskqueue.KindIngest, ingestAttempts); err != nil {
			return enqueued, err
		}
	}

	// 2. In progress with zero sessions done: nothing worth preserving,
	// always hard-reset.
	unstarted, err := o.store.StuckUnstarted(ctx, runID)
	if err != nil {
		return enqueued, err
	}

	for _, qp := range unstarted {
		if claimed[qp.QuestionID] {
			continue
		}

		if err := o.store.ResetForRestart(ctx, runID, qp.QuestionID); err != nil {
			return enqueued, err
		}

		log.WithField("question_id", qp.QuestionID).Info("Resetting question that never completed a session")

		if err := enqueue(qp.QuestionID, taskqueue.KindIngest, ingestAttempts); err != nil {
			return enqueued, err
		}
	}

	// 3. Ingestion done but QA stuck in progress: a worker died mid-QA.
	qaStuck, err := o.store.QAStuckAfterIngest(ctx, runID)
	if err != nil {
		return enqueued, err
	}

	for _, qp := range qaStuck {
		if claimed[qp.QuestionID] {
			continue
		}

		if mode == ResumeRestart {
			if err := o.store.ResetForRestart(ctx, runID, qp.QuestionID); err != nil {
				return enqueued, err
			}

			if err := enqueue(qp.QuestionID, taskqueue.KindIngest, ingestAttempts); err != nil {
				return enqueued, err
			}

			continue
		}

		if err := o.store.ResetQAState(ctx, runID, qp.QuestionID); err != nil {
			return enqueued, err
		}

		log.WithField("question_id", qp.QuestionID).Info("Rescheduling interrupted qa")

		if err := enqueue(qp.QuestionID, taskqueue.KindQA, qaAttempts); err != nil {
			return enqueued, err
		}
	}

	// 4. Failed questions, only under the explicit force flag.
	if force {
		failed, err := o.store.ListByStatus(ctx, runID, progress.StatusFailed)
		if err != nil {
			return enqueued, err
		}

		for _, qp := range failed {
			if claimed[qp.QuestionID] {
				continue
			}

			if err := o.retryFailed(ctx, runID, qp, mode, enqueue, ingestAttempts, qaAttempts); err != nil {
				return enqueued, err
			}
		}
	}

	// Finally, anything still pending from the original enqueue.
	pending, err := o.store.ListByStatus(ctx, runID, progress.StatusPending)
	if err != nil {
		return enqueued, err
	}

	for _, qp := range pending {
		if claimed[qp.QuestionID] {
			continue
		}

		if err := enqueue(qp.QuestionID, taskqueue.KindIngest, ingestAttempts); err != nil {
			return enqueued, err
		}
	}

	// Restart mode additionally sweeps failed questions back to pending
	// without requiring force.
	if mode == ResumeRestart && !force {
		failed, err := o.store.ListByStatus(ctx, runID, progress.StatusFailed)
		if err != nil {
			return enqueued, err
		}

		for _, qp := range failed {
			if claimed[qp.QuestionID] {
				continue
			}

			if err := o.store.ResetForRestart(ctx, runID, qp.QuestionID); err != nil {
				return enqueued, err
			}

			if err := enqueue(qp.QuestionID, taskqueue.KindIngest, ingestAttempts); err != nil {
				return enqueued, err
			}
		}
	}

	log.WithField("enqueued", enqueued).Info("Resume pass finished")

	return enqueued, nil
}

// retryFailed reschedules one failed question. In continue mode the
// retry targets the step that failed: completed ingestion is kept and
// only QA reruns.
func (o *Orchestrator) retryFailed(ctx context.Context, runID string, qp progress.QuestionProgress, mode ResumeMode, enqueue func(string, string, int) error, ingestAttempts, qaAttempts int) error {
	if mode == ResumeRestart || qp.IngestionStatus != progress.StatusCompleted {
		if mode == ResumeRestart {
			if err := o.store.ResetForRestart(ctx, runID, qp.QuestionID); err != nil {
				return err
			}
		}

		o.log.WithFields(logrus.Fields{
			"run_id":      runID,
			"question_id": qp.QuestionID,
			"retries":     qp.RetryCount,
		}).Info("Force-retrying failed ingestion")

		return enqueue(qp.QuestionID, taskqueue.KindIngest, ingestAttempts)
	}

	if err := o.store.ResetQAState(ctx, runID, qp.QuestionID); err != nil {
		return err
	}

	o.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"question_id": qp.QuestionID,
		"retries":     qp.RetryCount,
	}).Info("Force-retrying failed qa")

	return enqueue(qp.QuestionID, taskqueue.KindQA, qaAttempts)
}

// EnqueueQA schedules QA tasks for questions whose ingestion is complete.
// With includeCompleted, questions that already answered are rerun; their
// new hypothesis is appended after the old one. Returns the number of
// tasks enqueued.
func (o *Orchestrator) EnqueueQA(ctx context.Context, runID string, includeCompleted bool) (int, error) {
	questions, err := o.store.QuestionsForQA(ctx, runID, includeCompleted)
	if err != nil {
		return 0, err
	}

	enqueued := 0

	for _, qp := range questions {
		if qp.QAStatus == progress.StatusCompleted {
			if err := o.store.ResetQAState(ctx, runID, qp.QuestionID); err != nil {
				return enqueued, err
			}
		}

		created, err := o.queue.Enqueue(ctx, runID, qp.QuestionID, taskqueue.KindQA, o.cfg.Workers.QAMaxAttempts)
		if err != nil {
			return enqueued, fmt.Errorf("enqueueing qa for %s: %w", qp.QuestionID, err)
		}

		if created {
			enqueued++
		}
	}

	o.log.WithFields(logrus.Fields{"run_id": runID, "enqueued": enqueued}).Info("QA tasks enqueued")

	return enqueued, nil
}

// ClearState removes the sqlite database files holding progress and task
// state, including WAL sidecars. Postgres state must be dropped by the
// operator.
func (o *Orchestrator) ClearState() error {
	if o.cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("clear only supports the sqlite driver, drop the %s database manually", o.cfg.Database.Driver)
	}

	base := o.cfg.Database.Path

	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	o.log.WithField("path", filepath.Clean(base)).Info("Cleared persisted state")

	return nil
}
