// Package progress persists per-question benchmark state. The database is
// the source of truth for resume decisions: every transition is written
// before anything depends on it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mycelian/memobench/pkg/config"
)

// ErrNotFound is returned when a run or question row does not exist.
var ErrNotFound = errors.New("progress record not found")

// Store provides persistence for run and question progress.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	InitQuestions(ctx context.Context, rows []*QuestionProgress) error
	GetQuestion(ctx context.Context, runID, questionID string) (*QuestionProgress, error)
	ListQuestions(ctx context.Context, runID string) ([]QuestionProgress, error)
	ListByStatus(ctx context.Context, runID, status string) ([]QuestionProgress, error)

	ClaimIngestion(ctx context.Context, runID, questionID, workerID string) error
	MarkQAStarted(ctx context.Context, runID, questionID, workerID string) error
	SetVaultMemory(ctx context.Context, runID, questionID, vaultID, memoryID, memoryTitle string) error
	UpdateCounters(ctx context.Context, runID, questionID string, completedSessions, ingestedMessages int) error
	Touch(ctx context.Context, runID, questionID string) error
	CompleteIngestion(ctx context.Context, runID, questionID string) error
	CompleteQA(ctx context.Context, runID, questionID string) error
	FailIngestion(ctx context.Context, runID, questionID, errMsg string) error
	FailQA(ctx context.Context, runID, questionID, errMsg string) error
	ResetForRestart(ctx context.Context, runID, questionID string) error
	ResetQAState(ctx context.Context, runID, questionID string) error

	ResumableQuestions(ctx context.Context, runID string) ([]QuestionProgress, error)
	StuckUnstarted(ctx context.Context, runID string) ([]QuestionProgress, error)
	QAStuckAfterIngest(ctx context.Context, runID string) ([]QuestionProgress, error)
	QuestionsForQA(ctx context.Context, runID string, includeCompleted bool) ([]QuestionProgress, error)
	StuckQuestions(ctx context.Context, runID string, threshold time.Duration) ([]QuestionProgress, error)
	GetRunStats(ctx context.Context, runID string) (RunStats, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a progress Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "progress"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		// WAL so orchestrator and worker processes can share the file.
		dsn := s.cfg.Path
		if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}

		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(s.cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening progress database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&QuestionProgress{},
	); err != nil {
		return fmt.Errorf("running progress migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Progress database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// CreateRun records run metadata. Re-running init with the same run ID is
// a no-op; existing metadata wins.
func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// GetRun returns run metadata by ID.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// InitQuestions inserts question rows, skipping any that already exist so
// a re-run of init never clobbers in-flight state.
func (s *store) InitQuestions(ctx context.Context, rows []*QuestionProgress) error {
	if len(rows) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if row.Status == "" {
				row.Status = StatusPending
			}

			if row.IngestionStatus == "" {
				row.IngestionStatus = StatusPending
			}

			if row.QAStatus == "" {
				row.QAStatus = StatusPending
			}

			if err := tx.
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(row).Error; err != nil {
				return fmt.Errorf("inserting question %s: %w", row.QuestionID, err)
			}
		}

		return nil
	})
}

// GetQuestion returns one question's progress row.
func (s *store) GetQuestion(ctx context.Context, runID, questionID string) (*QuestionProgress, error) {
	var qp QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND question_id = ?", runID, questionID).
		First(&qp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting question progress: %w", err)
	}

	return &qp, nil
}

// ListQuestions returns all question rows for a run ordered by question ID.
func (s *store) ListQuestions(ctx context.Context, runID string) ([]QuestionProgress, error) {
	var rows []QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}

	return rows, nil
}

// ListByStatus returns question rows in a given overall status.
func (s *store) ListByStatus(ctx context.Context, runID, status string) ([]QuestionProgress, error) {
	var rows []QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, status).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing questions by status: %w", err)
	}

	return rows, nil
}

func (s *store) update(ctx context.Context, runID, questionID string, fields map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&QuestionProgress{}).
		Where("run_id = ? AND question_id = ?", runID, questionID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating question progress: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ClaimIngestion marks a question as being ingested by a worker. The start
// timestamp is set only once so resumed questions keep their original one.
func (s *store) ClaimIngestion(ctx context.Context, runID, questionID, workerID string) error {
	now := time.Now().UTC()

	return s.update(ctx, runID, questionID, map[string]any{
		"status":               StatusInProgress,
		"ingestion_status":     StatusInProgress,
		"worker_id":            workerID,
		"last_progress_at":     now,
		"ingestion_started_at": gorm.Expr("COALESCE(ingestion_started_at, ?)", now),
	})
}

// MarkQAStarted marks a question as undergoing answer synthesis.
func (s *store) MarkQAStarted(ctx context.Context, runID, questionID, workerID string) error {
	now := time.Now().UTC()

	return s.update(ctx, runID, questionID, map[string]any{
		"qa_status":        StatusInProgress,
		"worker_id":        workerID,
		"qa_started_at":    gorm.Expr("COALESCE(qa_started_at, ?)", now),
		"last_progress_at": now,
	})
}

// SetVaultMemory records the service-side resources bound to a question.
func (s *store) SetVaultMemory(ctx context.Context, runID, questionID, vaultID, memoryID, memoryTitle string) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"vault_id":         vaultID,
		"memory_id":        memoryID,
		"memory_title":     memoryTitle,
		"last_progress_at": time.Now().UTC(),
	})
}

// UpdateCounters persists session and message counters. Counters only move
// forward: a stale writer can never roll progress back.
func (s *store) UpdateCounters(ctx context.Context, runID, questionID string, completedSessions, ingestedMessages int) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"completed_sessions": gorm.Expr(
			"CASE WHEN completed_sessions > ? THEN completed_sessions ELSE ? END",
			completedSessions, completedSessions,
		),
		"ingested_messages": gorm.Expr(
			"CASE WHEN ingested_messages > ? THEN ingested_messages ELSE ? END",
			ingestedMessages, ingestedMessages,
		),
		"last_progress_at": time.Now().UTC(),
	})
}

// Touch bumps the liveness timestamp without changing any other state.
func (s *store) Touch(ctx context.Context, runID, questionID string) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"last_progress_at": time.Now().UTC(),
	})
}

// CompleteIngestion marks ingestion done. The overall status flips to
// completed only when QA has also finished, which it normally has not.
func (s *store) CompleteIngestion(ctx context.Context, runID, questionID string) error {
	now := time.Now().UTC()

	return s.update(ctx, runID, questionID, map[string]any{
		"ingestion_status":       StatusCompleted,
		"ingestion_completed_at": now,
		"last_progress_at":       now,
		"status": gorm.Expr(
			"CASE WHEN qa_status = ? THEN ? ELSE status END",
			StatusCompleted, StatusCompleted,
		),
	})
}

// CompleteQA marks answer synthesis done and the question terminal.
func (s *store) CompleteQA(ctx context.Context, runID, questionID string) error {
	now := time.Now().UTC()

	return s.update(ctx, runID, questionID, map[string]any{
		"qa_status":        StatusCompleted,
		"qa_completed_at":  now,
		"status":           StatusCompleted,
		"error_message":    "",
		"last_progress_at": now,
	})
}

// FailIngestion records an ingestion failure. Counters are untouched so a
// later retry resumes from the last persisted session.
func (s *store) FailIngestion(ctx context.Context, runID, questionID, errMsg string) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"status":           StatusFailed,
		"ingestion_status": StatusFailed,
		"error_message":    errMsg,
		"retry_count":      gorm.Expr("retry_count + 1"),
		"last_progress_at": time.Now().UTC(),
	})
}

// FailQA records a QA failure. Ingestion state is untouched.
func (s *store) FailQA(ctx context.Context, runID, questionID, errMsg string) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"status":           StatusFailed,
		"qa_status":        StatusFailed,
		"error_message":    errMsg,
		"retry_count":      gorm.Expr("retry_count + 1"),
		"last_progress_at": time.Now().UTC(),
	})
}

// ResetForRestart wipes a question back to pending for a from-scratch
// replay. The memory binding goes so a fresh memory gets created; the
// vault binding stays because vaults are shared across the run.
func (s *store) ResetForRestart(ctx context.Context, runID, questionID string) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"memory_id":              "",
		"memory_title":           "",
		"completed_sessions":     0,
		"ingested_messages":      0,
		"status":                 StatusPending,
		"ingestion_status":       StatusPending,
		"qa_status":              StatusPending,
		"ingestion_started_at":   nil,
		"ingestion_completed_at": nil,
		"qa_started_at":          nil,
		"qa_completed_at":        nil,
		"last_progress_at":       nil,
		"worker_id":              "",
		"error_message":          "",
	})
}

// ResetQAState re-arms answer synthesis for a question whose ingestion
// already completed.
func (s *store) ResetQAState(ctx context.Context, runID, questionID string) error {
	return s.update(ctx, runID, questionID, map[string]any{
		"qa_status":        StatusPending,
		"qa_started_at":    nil,
		"qa_completed_at":  nil,
		"status":           StatusInProgress,
		"error_message":    "",
		"last_progress_at": time.Now().UTC(),
	})
}

// ResumableQuestions returns questions with partial ingestion: started,
// some sessions done, not all.
func (s *store) ResumableQuestions(ctx context.Context, runID string) ([]QuestionProgress, error) {
	var rows []QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND ingestion_status = ? AND completed_sessions > 0 AND completed_sessions < total_sessions",
			runID, StatusInProgress).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing resumable questions: %w", err)
	}

	return rows, nil
}

// StuckUnstarted returns questions claimed in a previous life that never
// persisted a single session.
func (s *store) StuckUnstarted(ctx context.Context, runID string) ([]QuestionProgress, error) {
	var rows []QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ? AND completed_sessions = 0",
			runID, StatusInProgress).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing stuck unstarted questions: %w", err)
	}

	return rows, nil
}

// QAStuckAfterIngest returns questions whose ingestion completed but whose
// answer never landed.
func (s *store) QAStuckAfterIngest(ctx context.Context, runID string) ([]QuestionProgress, error) {
	var rows []QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND ingestion_status = ? AND qa_status IN ? AND status <> ?",
			runID, StatusCompleted,
			[]string{StatusPending, StatusInProgress},
			StatusCompleted).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing qa-stuck questions: %w", err)
	}

	return rows, nil
}

// QuestionsForQA returns questions eligible for an answer-only pass.
func (s *store) QuestionsForQA(ctx context.Context, runID string, includeCompleted bool) ([]QuestionProgress, error) {
	q := s.db.WithContext(ctx).
		Where("run_id = ? AND ingestion_status = ?", runID, StatusCompleted)

	if !includeCompleted {
		q = q.Where("qa_status <> ?", StatusCompleted)
	}

	var rows []QuestionProgress
	if err := q.Order("question_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing questions for qa: %w", err)
	}

	return rows, nil
}

// StuckQuestions returns in-progress questions with no persisted progress
// for longer than threshold. Questions that failed before ever progressing
// fall back to their claim timestamp.
func (s *store) StuckQuestions(ctx context.Context, runID string, threshold time.Duration) ([]QuestionProgress, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	var rows []QuestionProgress
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ? AND COALESCE(last_progress_at, ingestion_started_at) < ?",
			runID, StatusInProgress, cutoff).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing stuck questions: %w", err)
	}

	return rows, nil
}

// GetRunStats aggregates question states for a run.
func (s *store) GetRunStats(ctx context.Context, runID string) (RunStats, error) {
	rows, err := s.ListQuestions(ctx, runID)
	if err != nil {
		return RunStats{}, err
	}

	stats := RunStats{Total: len(rows)}

	for _, qp := range rows {
		switch qp.Status {
		case StatusPending:
			stats.Pending++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}

		if qp.IngestionStatus == StatusCompleted {
			stats.IngestionCompleted++
		}

		if qp.QAStatus == StatusCompleted {
			stats.QACompleted++
		}
	}

	return stats, nil
}
