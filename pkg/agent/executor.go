package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mycelian/memobench/pkg/chatmodel"
	"github.com/mycelian/memobench/pkg/dataset"
	"github.com/mycelian/memobench/pkg/memoryservice"
)

// recentEntryLimit caps how many prior entries seed a new session.
const recentEntryLimit = 10

// Executor drives the tool protocol for one question's memory. It is not
// safe for concurrent use; each work unit owns its own Executor.
type Executor struct {
	log   logrus.FieldLogger
	model chatmodel.Model
	svc   memoryservice.Client

	vaultID  string
	memoryID string

	// contextOnly skips per-message tooling and carries the raw
	// transcript into context synthesis instead.
	contextOnly bool

	// conversation accumulates the turns seen within the current
	// session, prefixed by retrieved context. Prompt material only.
	conversation []string

	// executed lists tools run during the current phase invocation.
	// Reset at every phase entry so no state leaks across invocations.
	executed []memoryservice.Tool

	violations int
}

// NewExecutor creates an executor bound to a single memory.
func NewExecutor(log logrus.FieldLogger, model chatmodel.Model, svc memoryservice.Client, vaultID, memoryID string, contextOnly bool) *Executor {
	return &Executor{
		log: log.WithFields(logrus.Fields{
			"component": "agent",
			"memory_id": memoryID,
		}),
		model:       model,
		svc:         svc,
		vaultID:     vaultID,
		memoryID:    memoryID,
		contextOnly: contextOnly,
	}
}

// Violations returns how many times the model proposed tools outside the
// protocol. Informational; violations never abort a run.
func (e *Executor) Violations() int {
	return e.violations
}

func (e *Executor) beginPhase() {
	e.executed = e.executed[:0]
}

func (e *Executor) record(tool memoryservice.Tool) {
	e.executed = append(e.executed, tool)
}

// StartSession fetches stored context and recent entries, then seeds the
// in-session conversation buffer with them.
func (e *Executor) StartSession(ctx context.Context) error {
	e.beginPhase()

	e.conversation = e.conversation[:0]

	doc, err := e.svc.GetContext(ctx, e.vaultID, e.memoryID)
	if err != nil {
		return fmt.Errorf("fetching context at session start: %w", err)
	}

	e.record(memoryservice.ToolGetContext)

	entries, err := e.svc.ListEntries(ctx, e.vaultID, e.memoryID, recentEntryLimit)
	if err != nil {
		return fmt.Errorf("listing recent entries at session start: %w", err)
	}

	e.record(memoryservice.ToolListEntries)

	if doc != "" {
		e.conversation = append(e.conversation, previousContextHeader+"\n"+doc)
	}

	for _, entry := range entries {
		if entry.Summary != "" {
			e.conversation = append(e.conversation, "[entry] "+entry.Summary)
		}
	}

	return nil
}

// ProcessMessage records one conversation turn. A nil turn is a
// programming error in the caller and fails immediately.
func (e *Executor) ProcessMessage(ctx context.Context, turn *dataset.Turn) error {
	e.beginPhase()

	if turn == nil {
		return fmt.Errorf("process_message invoked with no pending message")
	}

	line := turn.Role + ": " + turn.Content
	e.conversation = append(e.conversation, line)

	if e.contextOnly {
		return nil
	}

	resp, err := e.model.Invoke(ctx, e.promptMessages(entryPrompt), &chatmodel.Options{
		System: systemPrompt,
		Tools:  []string{string(memoryservice.ToolAddEntry)},
	})
	if err != nil {
		return fmt.Errorf("summarizing message: %w", err)
	}

	calls := e.filterCalls(PhaseProcessMessage, resp.ToolCalls)

	summary := strings.TrimSpace(resp.Text)

	for _, call := range calls {
		if s, ok := call.Args["summary"].(string); ok && s != "" {
			summary = s
		}
	}

	if summary == "" {
		summary = turn.Content
	}

	if err := e.svc.AddEntry(ctx, e.vaultID, e.memoryID, line, summary); err != nil {
		return fmt.Errorf("recording entry: %w", err)
	}

	e.record(memoryservice.ToolAddEntry)

	return nil
}

// Flush persists a context snapshot mid-session. No-op in context-only
// mode, where nothing has been written that needs covering.
func (e *Executor) Flush(ctx context.Context) error {
	e.beginPhase()

	if e.contextOnly {
		return nil
	}

	return e.synthesizeContext(ctx, PhaseFlush)
}

// EndSession awaits durability and stores the final context document for
// the session. Runs in context-only mode too; it is the only write that
// mode performs.
func (e *Executor) EndSession(ctx context.Context) error {
	e.beginPhase()

	return e.synthesizeContext(ctx, PhaseEndSession)
}

func (e *Executor) synthesizeContext(ctx context.Context, phase Phase) error {
	if err := e.svc.AwaitConsistency(ctx, e.vaultID, e.memoryID); err != nil {
		return fmt.Errorf("awaiting consistency: %w", err)
	}

	e.record(memoryservice.ToolAwaitConsistency)

	resp, err := e.model.Invoke(ctx, e.promptMessages(contextPrompt), &chatmodel.Options{
		System: systemPrompt,
		Tools:  []string{string(memoryservice.ToolPutContext)},
	})
	if err != nil {
		return fmt.Errorf("synthesizing context: %w", err)
	}

	calls := e.filterCalls(phase, resp.ToolCalls)

	doc := strings.TrimSpace(resp.Text)

	for _, call := range calls {
		if c, ok := call.Args["context"].(string); ok && c != "" {
			doc = c
		}
	}

	if doc == "" {
		return fmt.Errorf("model produced no context document")
	}

	if err := e.svc.PutContext(ctx, e.vaultID, e.memoryID, doc); err != nil {
		return fmt.Errorf("storing context: %w", err)
	}

	e.record(memoryservice.ToolPutContext)

	return nil
}

// filterCalls drops proposed tool calls that the protocol does not allow
// in this phase. A filtering event is logged and counted once, then
// execution continues with whatever survived.
func (e *Executor) filterCalls(phase Phase, calls []chatmodel.ToolCall) []chatmodel.ToolCall {
	allowed := make(map[memoryservice.Tool]bool)
	for _, tool := range AllowedTools(phase) {
		allowed[tool] = true
	}

	kept := make([]chatmodel.ToolCall, 0, len(calls))
	dropped := make([]string, 0)

	for _, call := range calls {
		if allowed[memoryservice.Tool(call.Name)] {
			kept = append(kept, call)
		} else {
			dropped = append(dropped, call.Name)
		}
	}

	if len(dropped) > 0 {
		e.violations++

		e.log.WithFields(logrus.Fields{
			"phase":                phase,
			"tools":                dropped,
			"compliance_violation": true,
		}).Warn("Filtered tool calls outside the protocol")
	}

	return kept
}

// promptMessages renders the conversation buffer plus an instruction as
// model input.
func (e *Executor) promptMessages(instruction string) []chatmodel.Message {
	transcript := strings.Join(e.conversation, "\n")

	return []chatmodel.Message{
		{Role: "user", Content: transcript + "\n\n" + instruction},
	}
}
