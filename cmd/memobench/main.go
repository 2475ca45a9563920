package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mycelian/memobench/pkg/config"
	"github.com/mycelian/memobench/pkg/orchestrator"
	"github.com/mycelian/memobench/pkg/progress"
	"github.com/mycelian/memobench/pkg/taskqueue"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

// Exit codes for scripting around the benchmark.
const (
	exitOK        = 0
	exitFailure   = 1
	exitNothing   = 2
	exitInterrupt = 130
)

// errNothingToDo marks a command that found no work to schedule.
var errNothingToDo = errors.New("nothing to do")

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitOK)
	}

	switch {
	case errors.Is(err, errNothingToDo):
		log.Info("Nothing to do")
		os.Exit(exitNothing)
	case errors.Is(err, context.Canceled):
		log.Info("Interrupted")
		os.Exit(exitInterrupt)
	default:
		log.WithError(err).Error("Command failed")
		os.Exit(exitFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memobench",
	Short: "Conversational-memory benchmark orchestrator",
	Long: `Memobench replays LongMemEval-style dialogue histories into an external
memory service through a tool-calling agent, then answers each benchmark
question from what the service retained. Progress is persisted per
question so interrupted runs resume where they stopped.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		log.SetLevel(level)

		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memobench %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// openState starts the progress store and task queue. The returned
// cleanup stops both.
func openState(ctx context.Context, cfg *config.Config) (progress.Store, taskqueue.Queue, func(), error) {
	store := progress.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("starting progress store: %w", err)
	}

	queue := taskqueue.NewQueue(log, &cfg.Database)
	if err := queue.Start(ctx); err != nil {
		_ = store.Stop()

		return nil, nil, nil, fmt.Errorf("starting task queue: %w", err)
	}

	cleanup := func() {
		if err := queue.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop task queue")
		}

		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop progress store")
		}
	}

	return store, queue, cleanup, nil
}

func newOrchestrator(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	store, queue, cleanup, err := openState(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return orchestrator.New(log, cfg, cfgFile, store, queue), cleanup, nil
}
