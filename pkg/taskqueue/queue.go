// Package taskqueue is a database-backed work queue. Tasks survive
// process crashes; leases expire and requeue so a dead worker's claim is
// never lost.
package taskqueue

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
	"gorm.io/gorm/logger"

	"github.com/mycelian/memobench/pkg/config"
)

// Task kinds.
const (
	KindIngest = "ingest"
	KindQA     = "qa"
)

// Task statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task is one unit of queued work. The payload is just identifiers; the
// progress store holds everything else.
type Task struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"index"`
	QuestionID  string
	Kind        string
	Status      string `gorm:"index"`
	Attempts    int
	MaxAttempts int
	// NotBefore delays retries; zero means runnable now.
	NotBefore      *time.Time
	LeaseExpiresAt *time.Time
	WorkerID       string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Queue provides durable task persistence.
type Queue interface {
	Start(ctx context.Context) error
	Stop() error

	Enqueue(ctx context.Context, runID, questionID, kind string, maxAttempts int) (bool, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Task, error)
	Heartbeat(ctx context.Context, taskID uint, lease time.Duration) error
	RequeueExpiredLeases(ctx context.Context) (int, error)
	Complete(ctx context.Context, taskID uint) error
	Fail(ctx context.Context, taskID uint, errMsg string, retryDelay time.Duration) (requeued bool, err error)
	CancelQueued(ctx context.Context, runID, questionID, kind string) (int, error)
	ActiveCount(ctx context.Context, runID string) (int64, error)
}

// Compile-time interface check.
var _ Queue = (*queue)(nil)

type queue struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewQueue creates a Queue backed by the configured database driver.
func NewQueue(log logrus.FieldLogger, cfg *config.DatabaseConfig) Queue {
	return &queue{
		log: log.WithField("component", "taskqueue"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (q *queue) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch q.cfg.Driver {
	case "sqlite":
		dsn := q.cfg.Path
		if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}

		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(q.cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", q.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening task database: %w", err)
	}

	q.db = db

	if err := q.db.WithContext(ctx).AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("running task migrations: %w", err)
	}

	q.log.WithField("driver", q.cfg.Driver).
		Info("Task database connected")

	return nil
}

// Stop closes the underlying database connection.
func (q *queue) Stop() error {
	if q.db == nil {
		return nil
	}

	sqlDB, err := q.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Enqueue adds a task unless an identical one is already queued or
// running. Returns whether a new task was created.
func (q *queue) Enqueue(ctx context.Context, runID, questionID, kind string, maxAttempts int) (bool, error) {
	created := false

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Task{}).
			Where("run_id = ? AND question_id = ? AND kind = ? AND status IN ?",
				runID, questionID, kind,
				[]string{StatusQueued, StatusRunning}).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking for duplicate task: %w", err)
		}

		if count > 0 {
			return nil
		}

		task := &Task{
			RunID:       runID,
			QuestionID:  questionID,
			Kind:        kind,
			Status:      StatusQueued,
			MaxAttempts: maxAttempts,
		}

		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("creating task: %w", err)
		}

		created = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

// ClaimNext atomically claims the oldest runnable task. Returns nil when
// the queue has nothing runnable.
func (q *queue) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	var claimed *Task

	now := time.Now().UTC()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task Task
		if err := tx.
			Where("status = ? AND (not_before IS NULL OR not_before <= ?)",
				StatusQueued, now).
			Order("id").
			First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}

			return fmt.Errorf("selecting next task: %w", err)
		}

		expiry := now.Add(lease)

		result := tx.Model(&Task{}).
			Where("id = ? AND status = ?", task.ID, StatusQueued).
			Updates(map[string]any{
				"status":           StatusRunning,
				"worker_id":        workerID,
				"attempts":         gorm.Expr("attempts + 1"),
				"lease_expires_at": expiry,
			})
		if result.Error != nil {
			return fmt.Errorf("claiming task: %w", result.Error)
		}

		// Another worker got there first; treat as nothing runnable and
		// let the next poll try again.
		if result.RowsAffected == 0 {
			return nil
		}

		task.Status = StatusRunning
		task.WorkerID = workerID
		task.Attempts++
		task.LeaseExpiresAt = &expiry
		claimed = &task

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// Heartbeat extends a running task's lease.
func (q *queue) Heartbeat(ctx context.Context, taskID uint, lease time.Duration) error {
	expiry := time.Now().UTC().Add(lease)

	if err := q.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", taskID, StatusRunning).
		Update("lease_expires_at", expiry).Error; err != nil {
		return fmt.Errorf("extending task lease: %w", err)
	}

	return nil
}

// RequeueExpiredLeases returns running tasks whose worker stopped
// heartbeating back to the queue. The claim's attempt stays counted.
func (q *queue) RequeueExpiredLeases(ctx context.Context) (int, error) {
	result := q.db.WithContext(ctx).Model(&Task{}).
		Where("status = ? AND lease_expires_at < ?", StatusRunning, time.Now().UTC()).
		Updates(map[string]any{
			"status":           StatusQueued,
			"worker_id":        "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("requeuing expired leases: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		q.log.WithField("count", result.RowsAffected).
			Warn("Requeued tasks with expired leases")
	}

	return int(result.RowsAffected), nil
}

// Complete marks a task done.
func (q *queue) Complete(ctx context.Context, taskID uint) error {
	if err := q.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":           StatusCompleted,
			"lease_expires_at": nil,
		}).Error; err != nil {
		return fmt.Errorf("completing task: %w", err)
	}

	return nil
}

// Fail records a task failure. While attempts remain the task requeues
// after retryDelay; otherwise it lands terminally failed.
func (q *queue) Fail(ctx context.Context, taskID uint, errMsg string, retryDelay time.Duration) (bool, error) {
	requeued := false

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task Task
		if err := tx.First(&task, taskID).Error; err != nil {
			return fmt.Errorf("loading failed task: %w", err)
		}

		updates := map[string]any{
			"last_error":       errMsg,
			"lease_expires_at": nil,
			"worker_id":        "",
		}

		if task.Attempts < task.MaxAttempts {
			notBefore := time.Now().UTC().Add(retryDelay)
			updates["status"] = StatusQueued
			updates["not_before"] = notBefore
			requeued = true
		} else {
			updates["status"] = StatusFailed
		}

		if err := tx.Model(&Task{}).Where("id = ?", taskID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("recording task failure: %w", err)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return requeued, nil
}

// CancelQueued deletes queued tasks matching the identity, including
// those waiting out a retry delay. Running tasks are left alone; their
// worker still owns the lease. Returns the number of tasks removed.
func (q *queue) CancelQueued(ctx context.Context, runID, questionID, kind string) (int, error) {
	result := q.db.WithContext(ctx).
		Where("run_id = ? AND question_id = ? AND kind = ? AND status = ?",
			runID, questionID, kind, StatusQueued).
		Delete(&Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("cancelling queued tasks: %w", result.Error)
	}

	return int(result.RowsAffected), nil
}

// ActiveCount returns how many of a run's tasks are queued or running.
func (q *queue) ActiveCount(ctx context.Context, runID string) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Task{}).
		Where("run_id = ? AND status IN ?", runID,
			[]string{StatusQueued, StatusRunning}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting active tasks: %w", err)
	}

	return count, nil
}
