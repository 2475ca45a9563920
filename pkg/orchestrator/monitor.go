package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mycelian/memobench/pkg/progress"
)

// maxErrorDisplay caps error text shown in monitor output.
const maxErrorDisplay = 120

// Snapshot is one monitor poll's view of a run.
type Snapshot struct {
	RunID      string
	Stats      progress.RunStats
	InProgress []progress.QuestionProgress
	Failed     []progress.QuestionProgress
	Stuck      []progress.QuestionProgress
}

// Snapshot reads the run's current state in one pass.
func (o *Orchestrator) Snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	stats, err := o.store.GetRunStats(ctx, runID)
	if err != nil {
		return nil, err
	}

	inProgress, err := o.store.ListByStatus(ctx, runID, progress.StatusInProgress)
	if err != nil {
		return nil, err
	}

	failed, err := o.store.ListByStatus(ctx, runID, progress.StatusFailed)
	if err != nil {
		return nil, err
	}

	stuck, err := o.store.StuckQuestions(ctx, runID, o.cfg.Workers.StuckThreshold)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		RunID:      runID,
		Stats:      stats,
		InProgress: inProgress,
		Failed:     failed,
		Stuck:      stuck,
	}, nil
}

// Monitor polls the run at the configured interval, handing each snapshot
// to render, until every question is terminal or ctx is cancelled. The
// final terminal snapshot is rendered before returning.
func (o *Orchestrator) Monitor(ctx context.Context, runID string, render func(*Snapshot)) error {
	interval := o.cfg.Workers.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := o.Snapshot(ctx, runID)
		if err != nil {
			return err
		}

		render(snap)

		if snap.Stats.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FormatSnapshot renders a snapshot as monitor text.
func FormatSnapshot(s *Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "run %s: %d/%d completed, %d in progress, %d pending, %d failed\n",
		s.RunID, s.Stats.Completed, s.Stats.Total, s.Stats.InProgress, s.Stats.Pending, s.Stats.Failed)

	for _, qp := range s.InProgress {
		fmt.Fprintf(&b, "  %s  %s  sessions %d/%d  messages %d/%d  worker=%s\n",
			qp.QuestionID, phaseLabel(qp),
			qp.CompletedSessions, qp.TotalSessions,
			qp.IngestedMessages, qp.TotalMessages,
			qp.WorkerID)
	}

	for _, qp := range s.Failed {
		fmt.Fprintf(&b, "  %s  failed at %s (retries %d): %s\n",
			qp.QuestionID, failedStep(qp), qp.RetryCount, truncateError(qp.ErrorMessage))
	}

	for _, qp := range s.Stuck {
		fmt.Fprintf(&b, "  %s  WARNING no progress since %s\n",
			qp.QuestionID, lastProgress(qp))
	}

	return b.String()
}

func phaseLabel(qp progress.QuestionProgress) string {
	if qp.IngestionStatus == progress.StatusCompleted {
		return "qa"
	}

	return "ingesting"
}

func failedStep(qp progress.QuestionProgress) string {
	if qp.IngestionStatus == progress.StatusFailed {
		return "ingestion"
	}

	return "qa"
}

func truncateError(msg string) string {
	if len(msg) > maxErrorDisplay {
		return msg[:maxErrorDisplay] + "..."
	}

	return msg
}

func lastProgress(qp progress.QuestionProgress) string {
	ts := qp.LastProgressAt
	if ts == nil {
		ts = qp.IngestionStartedAt
	}

	if ts == nil {
		return "start"
	}

	return ts.Format(time.RFC3339)
}
