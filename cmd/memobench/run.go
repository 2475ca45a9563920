package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelian/memobench/pkg/orchestrator"
)

var (
	runID        string
	numQuestions int
	resumeRun    bool
	resumeMode   string
	forceRetry   bool
	autoMode     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or resume a benchmark run",
	Long: `Register the run, enqueue one ingestion task per dataset question and
return. Workers pick the tasks up separately (or in-process with --auto).
With --resume, interrupted and stuck questions are rescheduled instead.`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: timestamp-derived)")
	runCmd.Flags().IntVar(&numQuestions, "num-questions", 0, "limit the run to the first N dataset questions")
	runCmd.Flags().BoolVar(&resumeRun, "resume", false, "reschedule interrupted work instead of starting fresh")
	runCmd.Flags().StringVar(&resumeMode, "resume-mode", string(orchestrator.ResumeContinue),
		"resume strategy: continue (keep partial sessions) or restart (from session zero)")
	runCmd.Flags().BoolVar(&forceRetry, "force", false, "also retry questions that failed permanently")
	runCmd.Flags().BoolVar(&autoMode, "auto", false, "spawn a worker, monitor until terminal, then stop the worker")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	orch, cleanup, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := orch.Preflight(); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	if runID == "" {
		if resumeRun {
			return fmt.Errorf("--run-id is required with --resume")
		}

		runID = "run-" + time.Now().Format("20060102-150405")
	}

	var enqueued int

	if resumeRun {
		mode, err := orchestrator.ParseResumeMode(resumeMode)
		if err != nil {
			return err
		}

		enqueued, err = orch.Resume(ctx, runID, mode, forceRetry)
		if err != nil {
			return err
		}
	} else {
		enqueued, err = orch.StartRun(ctx, runID, numQuestions)
		if err != nil {
			return err
		}
	}

	if enqueued == 0 {
		return errNothingToDo
	}

	log.WithField("run_id", runID).Info("Tasks enqueued, start workers with: memobench worker")

	if !autoMode {
		return nil
	}

	if _, err := orch.SpawnWorker(runID); err != nil {
		return err
	}

	defer func() {
		if err := orch.StopWorkers(runID); err != nil {
			log.WithError(err).Warn("Failed to stop workers")
		}
	}()

	return orch.Monitor(ctx, runID, func(s *orchestrator.Snapshot) {
		fmt.Print(orchestrator.FormatSnapshot(s))
	})
}
