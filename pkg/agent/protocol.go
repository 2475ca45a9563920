// Package agent replays conversation turns into the memory service under
// a strict tool protocol. Each lifecycle phase permits a fixed tool
// sequence; anything the model proposes outside it is filtered out and
// counted, never executed.
package agent

import (
	"github.com/mycelian/memobench/pkg/chatmodel"
	"github.com/mycelian/memobench/pkg/memoryservice"
)

// Phase is one step of the per-session agent lifecycle.
type Phase string

// The closed set of lifecycle phases.
const (
	PhaseStartSession   Phase = "start_session"
	PhaseProcessMessage Phase = "process_message"
	PhaseFlush          Phase = "flush"
	PhaseEndSession     Phase = "end_session"
)

// step is one protocol position: the tool that must run next, and whether
// its payload comes from the model.
type step struct {
	tool memoryservice.Tool
	// llm marks steps whose content the model produces. Deterministic
	// steps are issued directly without a completion.
	llm bool
}

// phaseSteps is the single source of truth for the tool protocol. Every
// phase runs its steps in order; no other tool is legal at any point.
var phaseSteps = map[Phase][]step{
	PhaseStartSession: {
		{tool: memoryservice.ToolGetContext},
		{tool: memoryservice.ToolListEntries},
	},
	PhaseProcessMessage: {
		{tool: memoryservice.ToolAddEntry, llm: true},
	},
	PhaseFlush: {
		{tool: memoryservice.ToolAwaitConsistency},
		{tool: memoryservice.ToolPutContext, llm: true},
	},
	PhaseEndSession: {
		{tool: memoryservice.ToolAwaitConsistency},
		{tool: memoryservice.ToolPutContext, llm: true},
	},
}

// AllowedTools returns the legal tool sequence for a phase.
func AllowedTools(phase Phase) []memoryservice.Tool {
	steps := phaseSteps[phase]

	tools := make([]memoryservice.Tool, 0, len(steps))
	for _, s := range steps {
		tools = append(tools, s.tool)
	}

	return tools
}

// ToolDefs declares the model-facing tools. Only the steps whose payload
// the model produces are ever shown to it.
func ToolDefs() []chatmodel.ToolDef {
	return []chatmodel.ToolDef{
		{
			Name:        string(memoryservice.ToolAddEntry),
			Description: "Record one conversation message into memory with a concise factual summary.",
		},
		{
			Name:        string(memoryservice.ToolPutContext),
			Description: "Store the synthesized context document capturing everything important so far.",
		},
	}
}
