package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mycelian/memobench/pkg/agent"
	"github.com/mycelian/memobench/pkg/chatmodel"
	"github.com/mycelian/memobench/pkg/config"
	"github.com/mycelian/memobench/pkg/memoryservice"
	"github.com/mycelian/memobench/pkg/progress"
	"github.com/mycelian/memobench/pkg/results"
	"github.com/mycelian/memobench/pkg/retrieval"
	"github.com/mycelian/memobench/pkg/runner"
	"github.com/mycelian/memobench/pkg/taskqueue"
)

var workerRunID string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued benchmark tasks",
	Long: `Run a worker pool that claims ingestion and QA tasks from the queue
until stopped. Multiple worker processes may share one database; leases
keep them from stepping on each other.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerRunID, "run-id", "", "run identifier (informational, tasks carry their own)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store, queue, cleanup, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	workerID := workerIdentity()

	wlog := log.WithField("worker_id", workerID)
	if workerRunID != "" {
		wlog = wlog.WithField("run_id", workerRunID)
	}

	svc := memoryservice.NewClient(log, cfg.Service.URL)
	manager := memoryservice.NewManager(log, svc)
	limiter := chatmodel.NewLimiter(cfg.Models.RequestsPerMinute)

	ingestModel, err := chatmodel.New(ctx, log, cfg.Models.Ingest, agent.ToolDefs(), limiter)
	if err != nil {
		return fmt.Errorf("creating ingest model: %w", err)
	}

	qaModel, err := chatmodel.New(ctx, log, cfg.Models.QA, nil, limiter)
	if err != nil {
		return fmt.Errorf("creating qa model: %w", err)
	}

	var judgeModel chatmodel.Model

	if cfg.Search.UseTwoPass {
		judgeModel, err = chatmodel.New(ctx, log, cfg.Models.Judge, nil, limiter)
		if err != nil {
			return fmt.Errorf("creating judge model: %w", err)
		}
	}

	retriever := retrieval.NewTwoPassRetriever(log, svc, judgeModel, cfg.Search.UseTwoPass)

	handler := func(ctx context.Context, task *taskqueue.Task) error {
		writer := results.NewWriter(log, cfg.Results.Dir, cfg.Results.LogsDir, task.RunID)

		r := runner.New(log, store, manager, svc, ingestModel, qaModel, retriever, writer, runner.Config{
			VaultTitle:  cfg.Service.VaultTitle,
			ContextOnly: cfg.Agent.ContextOnly,
			WorkerID:    workerID,
		})

		switch task.Kind {
		case taskqueue.KindIngest:
			return handleIngest(ctx, cfg, store, queue, r, task)
		case taskqueue.KindQA:
			return r.RunQA(ctx, task.RunID, task.QuestionID)
		default:
			return fmt.Errorf("unknown task kind %q", task.Kind)
		}
	}

	pool := taskqueue.NewPool(log, queue, handler, taskqueue.PoolConfig{
		WorkerID:     workerID,
		Workers:      cfg.Workers.Count,
		PollInterval: cfg.Workers.PollInterval,
		Policies: map[string]taskqueue.KindPolicy{
			taskqueue.KindIngest: {
				Timeout:    cfg.Workers.IngestTimeout,
				RetryDelay: cfg.Workers.TaskRetryDelay,
			},
			taskqueue.KindQA: {
				Timeout:    cfg.Workers.QATimeout,
				RetryDelay: cfg.Workers.QARetryDelay,
			},
		},
	})

	wlog.WithField("workers", cfg.Workers.Count).Info("Worker started")

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	wlog.Info("Worker stopped")

	return nil
}

// handleIngest runs ingestion and, on success, hands the question off to
// QA unless it already answered.
func handleIngest(ctx context.Context, cfg *config.Config, store progress.Store, queue taskqueue.Queue, r *runner.Runner, task *taskqueue.Task) error {
	if err := r.RunIngestion(ctx, task.RunID, task.QuestionID); err != nil {
		return err
	}

	qp, err := store.GetQuestion(ctx, task.RunID, task.QuestionID)
	if err != nil {
		return err
	}

	if qp.QAStatus == progress.StatusCompleted {
		return nil
	}

	if _, err := queue.Enqueue(ctx, task.RunID, task.QuestionID, taskqueue.KindQA, cfg.Workers.QAMaxAttempts); err != nil {
		return fmt.Errorf("scheduling qa: %w", err)
	}

	return nil
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
