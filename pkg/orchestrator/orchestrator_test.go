package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/memobench/pkg/config"
	"github.com/mycelian/memobench/pkg/progress"
	"github.com/mycelian/memobench/pkg/taskqueue"
)

const testDataset = `[
  {
    "question_id": "q-001",
    "question_type": "single-session-user",
    "question": "What does the user play?",
    "answer": "cello",
    "haystack_sessions": [
      [{"role": "user", "content": "I play the cello"}, {"role": "assistant", "content": "Nice"}],
      [{"role": "user", "content": "Practice went well"}, {"role": "assistant", "content": "Great"}]
    ]
  },
  {
    "question_id": "q-002",
    "question_type": "multi-session",
    "question": "Where does the user live?",
    "answer": "Lisbon",
    "haystack_sessions": [
      [{"role": "user", "content": "I moved to Lisbon"}, {"role": "assistant", "content": "Congrats"}]
    ]
  }
]`

type env struct {
	orch  *Orchestrator
	store progress.Store
	queue taskqueue.Queue
}

func setup(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "dataset.json")
	require.NoError(t, os.WriteFile(datasetPath, []byte(testDataset), 0o644))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dbCfg := &config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}

	store := progress.NewStore(log, dbCfg)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	queue := taskqueue.NewQueue(log, dbCfg)
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() { _ = queue.Stop() })

	cfg := &config.Config{
		Dataset: datasetPath,
		Service: config.ServiceConfig{URL: "http://localhost:11545", VaultTitle: "bench"},
		Workers: config.WorkersConfig{
			TaskMaxAttempts: 3,
			QAMaxAttempts:   2,
			StuckThreshold:  30 * time.Minute,
			MonitorInterval: 10 * time.Millisecond,
		},
		Results: config.ResultsConfig{
			Dir:     filepath.Join(dir, "results"),
			LogsDir: filepath.Join(dir, "logs"),
		},
	}

	return &env{
		orch:  New(log, cfg, filepath.Join(dir, "config.yaml"), store, queue),
		store: store,
		queue: queue,
	}
}

func TestStartRunEnqueuesEveryQuestion(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.orch.Preflight())

	n, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := e.store.ListQuestions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[0].TotalSessions+rows[1].TotalSessions)
	assert.NotEmpty(t, rows[0].QuestionJSON)

	run, err := e.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "bench", run.VaultTitle)
}

func TestStartRunIsIdempotent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)

	// Simulate progress, then start again.
	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.UpdateCounters(ctx, "run-1", "q-001", 1, 2))

	n, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Zero(t, n, "active tasks must not be duplicated")

	qp, err := e.store.GetQuestion(ctx, "run-1", "q-001")
	require.NoError(t, err)
	assert.Equal(t, 1, qp.CompletedSessions, "existing progress must survive re-init")
}

func TestStartRunHonoursLimit(t *testing.T) {
	e := setup(t)

	n, err := e.orch.StartRun(context.Background(), "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// drain claims and completes every queued task, returning the claimed
// (questionID, kind) pairs in claim order.
func drain(t *testing.T, q taskqueue.Queue) [][2]string {
	t.Helper()

	var out [][2]string

	for {
		task, err := q.ClaimNext(context.Background(), "drain", time.Minute)
		require.NoError(t, err)

		if task == nil {
			return out
		}

		out = append(out, [2]string{task.QuestionID, task.Kind})
		require.NoError(t, q.Complete(context.Background(), task.ID))
	}
}

func TestResumeContinuePreservesMemory(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	// q-001 died mid-question with one of two sessions done.
	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.SetVaultMemory(ctx, "run-1", "q-001", "v1", "m1", "q-001"))
	require.NoError(t, e.store.UpdateCounters(ctx, "run-1", "q-001", 1, 2))

	n, err := e.orch.Resume(ctx, "run-1", ResumeContinue, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	qp, err := e.store.GetQuestion(ctx, "run-1", "q-001")
	require.NoError(t, err)
	assert.Equal(t, "m1", qp.MemoryID, "continue mode keeps the bound memory")
	assert.Equal(t, 1, qp.CompletedSessions)
}

func TestResumeRestartClearsMemory(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.SetVaultMemory(ctx, "run-1", "q-001", "v1", "m1", "q-001"))
	require.NoError(t, e.store.UpdateCounters(ctx, "run-1", "q-001", 1, 2))

	_, err = e.orch.Resume(ctx, "run-1", ResumeRestart, false)
	require.NoError(t, err)

	qp, err := e.store.GetQuestion(ctx, "run-1", "q-001")
	require.NoError(t, err)
	assert.Empty(t, qp.MemoryID, "restart mode discards the bound memory")
	assert.Equal(t, "v1", qp.VaultID, "vault survives a restart")
	assert.Zero(t, qp.CompletedSessions)
}

func TestResumeResetsUnstartedInProgress(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	// Claimed but died before the first session boundary.
	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-002", "w1"))

	n, err := e.orch.Resume(ctx, "run-1", ResumeContinue, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	qp, err := e.store.GetQuestion(ctx, "run-1", "q-002")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusPending, qp.Status)
}

func TestResumeContinueReschedulesStuckQA(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	// Ingestion finished, then the worker died mid-QA.
	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.UpdateCounters(ctx, "run-1", "q-001", 2, 4))
	require.NoError(t, e.store.CompleteIngestion(ctx, "run-1", "q-001"))
	require.NoError(t, e.store.MarkQAStarted(ctx, "run-1", "q-001", "w1"))

	_, err = e.orch.Resume(ctx, "run-1", ResumeContinue, false)
	require.NoError(t, err)

	claimed := drain(t, e.queue)
	require.NotEmpty(t, claimed)

	var sawQA bool
	for _, c := range claimed {
		if c[0] == "q-001" {
			assert.Equal(t, taskqueue.KindQA, c[1], "continue mode must not re-ingest")
			sawQA = true
		}
	}

	assert.True(t, sawQA)
}

func TestResumeRestartDropsStaleQATask(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	// Ingestion finished and a QA task was queued, then the worker died
	// before claiming it.
	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.UpdateCounters(ctx, "run-1", "q-001", 2, 4))
	require.NoError(t, e.store.CompleteIngestion(ctx, "run-1", "q-001"))
	require.NoError(t, e.store.MarkQAStarted(ctx, "run-1", "q-001", "w1"))

	created, err := e.queue.Enqueue(ctx, "run-1", "q-001", taskqueue.KindQA, 2)
	require.NoError(t, err)
	require.True(t, created)

	_, err = e.orch.Resume(ctx, "run-1", ResumeRestart, false)
	require.NoError(t, err)

	// The stale QA task must not outlive the reset: only a fresh ingest
	// is claimable for the question.
	var sawIngest bool
	for _, c := range drain(t, e.queue) {
		if c[0] == "q-001" {
			assert.Equal(t, taskqueue.KindIngest, c[1])
			sawIngest = true
		}
	}

	assert.True(t, sawIngest)
}

func TestResumeForceRetriesFailed(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.FailIngestion(ctx, "run-1", "q-001", "provider down"))

	// Without force, failed questions are left alone in continue mode.
	_, err = e.orch.Resume(ctx, "run-1", ResumeContinue, false)
	require.NoError(t, err)

	for _, c := range drain(t, e.queue) {
		assert.NotEqual(t, "q-001", c[0])
	}

	// With force, the failed question is rescheduled.
	_, err = e.orch.Resume(ctx, "run-1", ResumeContinue, true)
	require.NoError(t, err)

	var sawRetry bool
	for _, c := range drain(t, e.queue) {
		if c[0] == "q-001" {
			assert.Equal(t, taskqueue.KindIngest, c[1])
			sawRetry = true
		}
	}

	assert.True(t, sawRetry)
}

func TestEnqueueQA(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)
	drain(t, e.queue)

	// q-001 fully done, q-002 ingested but unanswered.
	for _, id := range []string{"q-001", "q-002"} {
		require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", id, "w1"))
		require.NoError(t, e.store.CompleteIngestion(ctx, "run-1", id))
	}

	require.NoError(t, e.store.MarkQAStarted(ctx, "run-1", "q-001", "w1"))
	require.NoError(t, e.store.CompleteQA(ctx, "run-1", "q-001"))

	n, err := e.orch.EnqueueQA(ctx, "run-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.orch.EnqueueQA(ctx, "run-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "completed question is rescheduled only with includeCompleted")
}

func TestMonitorExitsWhenTerminal(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.orch.StartRun(ctx, "run-1", 0)
	require.NoError(t, err)

	for _, id := range []string{"q-001", "q-002"} {
		require.NoError(t, e.store.ClaimIngestion(ctx, "run-1", id, "w1"))
		require.NoError(t, e.store.CompleteIngestion(ctx, "run-1", id))
		require.NoError(t, e.store.MarkQAStarted(ctx, "run-1", id, "w1"))
		require.NoError(t, e.store.CompleteQA(ctx, "run-1", id))
	}

	renders := 0
	err = e.orch.Monitor(ctx, "run-1", func(s *Snapshot) {
		renders++

		assert.True(t, s.Stats.Terminal())
	})
	require.NoError(t, err)
	assert.Equal(t, 1, renders)
}

func TestFormatSnapshotTruncatesErrors(t *testing.T) {
	long := strings.Repeat("x", 300)

	out := FormatSnapshot(&Snapshot{
		RunID: "run-1",
		Stats: progress.RunStats{Total: 1, Failed: 1},
		Failed: []progress.QuestionProgress{{
			QuestionID:      "q-001",
			IngestionStatus: progress.StatusFailed,
			ErrorMessage:    long,
			RetryCount:      2,
		}},
	})

	assert.Contains(t, out, "failed at ingestion")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, long)
}

func TestClearStateRemovesSidecars(t *testing.T) {
	e := setup(t)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "bench.db")
	e.orch.cfg.Database.Path = dbPath
	e.orch.cfg.Database.Driver = "sqlite"

	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	require.NoError(t, e.orch.ClearState())

	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
}
