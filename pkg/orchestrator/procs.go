package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// stopGrace is how long StopWorkers waits between SIGTERM and SIGKILL.
const stopGrace = 15 * time.Second

// pidFilePath returns where spawned worker process groups are recorded
// for a run.
func (o *Orchestrator) pidFilePath(runID string) string {
	return filepath.Join(o.cfg.Results.Dir, runID, "workers.pid")
}

// SpawnWorker starts one `memobench worker` process for the run in its
// own process group and records the group id so StopWorkers can find it.
// The worker inherits this process's environment and streams.
func (o *Orchestrator) SpawnWorker(runID string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving executable: %w", err)
	}

	cmd := exec.Command(exe, "worker", "--config", o.configPath, "--run-id", runID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group, so stop signals reach the worker and anything it
	// spawns without touching this process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting worker process: %w", err)
	}

	pid := cmd.Process.Pid

	if err := o.recordWorkerPID(runID, pid); err != nil {
		return pid, err
	}

	// Reap the child when it exits on its own.
	go func() { _ = cmd.Wait() }()

	o.log.WithFields(logrus.Fields{"run_id": runID, "pid": pid}).Info("Worker process started")

	return pid, nil
}

func (o *Orchestrator) recordWorkerPID(runID string, pid int) error {
	path := o.pidFilePath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening pid file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return fmt.Errorf("recording worker pid: %w", err)
	}

	return nil
}

// StopWorkers signals every recorded worker process group for the run:
// SIGTERM first, then SIGKILL after a grace period for any group still
// alive. The pid file is removed afterwards.
func (o *Orchestrator) StopWorkers(runID string) error {
	path := o.pidFilePath(runID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			o.log.WithField("run_id", runID).Info("No recorded workers to stop")

			return nil
		}

		return fmt.Errorf("reading pid file: %w", err)
	}

	pids := parsePIDs(string(data))

	for _, pid := range pids {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			o.log.WithError(err).WithField("pid", pid).Warn("Failed to signal worker group")
		}
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			break
		}

		time.Sleep(500 * time.Millisecond)
	}

	for _, pid := range pids {
		if processGroupAlive(pid) {
			o.log.WithField("pid", pid).Warn("Worker group did not exit, killing")

			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}

	o.log.WithFields(logrus.Fields{"run_id": runID, "workers": len(pids)}).Info("Workers stopped")

	return nil
}

func parsePIDs(data string) []int {
	var pids []int

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}

		pids = append(pids, pid)
	}

	return pids
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if processGroupAlive(pid) {
			return true
		}
	}

	return false
}

// processGroupAlive probes a process group with signal 0.
func processGroupAlive(pid int) bool {
	return syscall.Kill(-pid, 0) == nil
}
