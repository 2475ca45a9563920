// Package memoryservice is the client boundary for the memory service
// under test. Everything crossing it is decoded into typed structs here;
// nothing downstream touches raw JSON.
package memoryservice

import "time"

// Tool identifies one operation of the service's tool surface. The agent
// protocol tables and the LLM tool declarations both use these names.
type Tool string

// The closed set of tools the service exposes.
const (
	ToolGetContext       Tool = "get_context"
	ToolListEntries      Tool = "list_entries"
	ToolAddEntry         Tool = "add_entry"
	ToolAwaitConsistency Tool = "await_consistency"
	ToolPutContext       Tool = "put_context"
	ToolSearchMemories   Tool = "search_memories"
)

// Vault is a namespace holding memories. One vault is shared per run.
type Vault struct {
	ID    string `json:"vaultId"`
	Title string `json:"title"`
}

// Memory holds one question's ingested history.
type Memory struct {
	ID      string `json:"memoryId"`
	VaultID string `json:"vaultId"`
	Title   string `json:"title"`
}

// Entry is one durable observation recorded during ingestion.
type Entry struct {
	ID        string    `json:"entryId"`
	Summary   string    `json:"summary"`
	RawEntry  string    `json:"rawEntry,omitempty"`
	CreatedAt time.Time `json:"creationTime,omitzero"`
}

// ContextShard is one stored context document matched by search.
type ContextShard struct {
	Text      string    `json:"context"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// SearchRequest parameterizes a memory search.
type SearchRequest struct {
	VaultID     string `json:"vaultId"`
	MemoryID    string `json:"memoryId"`
	Query       string `json:"query"`
	TopEntries  int    `json:"topKe"`
	TopContexts int    `json:"topKc"`
}

// SearchResult is the typed shape of a search response.
type SearchResult struct {
	Entries  []Entry
	Contexts []ContextShard
	// LatestContext is the most recent synthesized context document,
	// independent of relevance ranking.
	LatestContext string
}

// Empty reports whether the search matched nothing at all.
func (r *SearchResult) Empty() bool {
	return r == nil ||
		(len(r.Entries) == 0 && len(r.Contexts) == 0 && r.LatestContext == "")
}
