package agent

import (
	"context"

	"github.com/mycelian/memobench/pkg/dataset"
)

// flushInterval is the fixed message cadence at which a mid-session
// context snapshot is persisted. Not configurable: resume accounting
// assumes the same cadence across every run that touches a database.
const flushInterval = 6

// Invoker sequences executor phases for one session stream. It owns the
// message counter that drives the flush cadence.
type Invoker struct {
	exec     *Executor
	msgCount int
}

// NewInvoker wraps an executor.
func NewInvoker(exec *Executor) *Invoker {
	return &Invoker{exec: exec}
}

// StartSession begins a session and resets the flush counter. This is the
// only place the counter resets; sessions never inherit another session's
// position in the flush cycle.
func (i *Invoker) StartSession(ctx context.Context) error {
	i.msgCount = 0

	return i.exec.StartSession(ctx)
}

// ProcessMessage records one turn and flushes whenever the cadence lands.
func (i *Invoker) ProcessMessage(ctx context.Context, turn *dataset.Turn) error {
	if err := i.exec.ProcessMessage(ctx, turn); err != nil {
		return err
	}

	i.msgCount++

	if i.msgCount%flushInterval == 0 {
		return i.exec.Flush(ctx)
	}

	return nil
}

// EndSession closes the session without touching the flush counter.
func (i *Invoker) EndSession(ctx context.Context) error {
	return i.exec.EndSession(ctx)
}

// Violations reports protocol violations observed so far.
func (i *Invoker) Violations() int {
	return i.exec.Violations()
}
