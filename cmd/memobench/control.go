package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mycelian/memobench/pkg/orchestrator"
)

var (
	qaRunID            string
	qaIncludeCompleted bool
	monitorRunID       string
	stopRunID          string
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Enqueue QA tasks for an already-ingested run",
	Long: `Schedule answer synthesis for every question whose ingestion is
complete. With --include-completed, questions that already answered are
rerun and their new hypothesis is appended after the old one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, cleanup, err := newOrchestrator(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := orch.EnqueueQA(cmd.Context(), qaRunID, qaIncludeCompleted)
		if err != nil {
			return err
		}

		if n == 0 {
			return errNothingToDo
		}

		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a run's progress until every question is terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, cleanup, err := newOrchestrator(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		return orch.Monitor(cmd.Context(), monitorRunID, func(s *orchestrator.Snapshot) {
			fmt.Print(orchestrator.FormatSnapshot(s))
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all worker processes for a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, cleanup, err := newOrchestrator(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		return orch.StopWorkers(stopRunID)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete persisted progress and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, cleanup, err := newOrchestrator(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		return orch.ClearState()
	},
}

func init() {
	rootCmd.AddCommand(qaCmd, monitorCmd, stopCmd, clearCmd)

	qaCmd.Flags().StringVar(&qaRunID, "run-id", "", "run identifier")
	qaCmd.Flags().BoolVar(&qaIncludeCompleted, "include-completed", false, "also rerun questions whose qa already completed")
	_ = qaCmd.MarkFlagRequired("run-id")

	monitorCmd.Flags().StringVar(&monitorRunID, "run-id", "", "run identifier")
	_ = monitorCmd.MarkFlagRequired("run-id")

	stopCmd.Flags().StringVar(&stopRunID, "run-id", "", "run identifier")
	_ = stopCmd.MarkFlagRequired("run-id")
}
