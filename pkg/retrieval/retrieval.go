// Package retrieval finds the memory material a question gets answered
// from. The optional second pass lets a judge model narrow the query when
// the broad sweep looks insufficient.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mycelian/memobench/pkg/chatmodel"
	"github.com/mycelian/memobench/pkg/memoryservice"
)

// First pass sweeps broadly; the refinement pass digs narrowly.
const (
	broadTopEntries  = 10
	broadTopContexts = 3

	refineTopEntries  = 5
	refineTopContexts = 2
)

const refinePrefix = "REFINE:"

// judgePrompt asks whether the broad results can answer the question.
const judgePrompt = `You are evaluating search results retrieved to answer a question
about a long conversation history.

Question: %s

Retrieved material:
%s

If this material is sufficient to answer the question, reply with exactly:
SUFFICIENT

If it is not, reply with exactly:
REFINE: <a short, more specific search query that would find the missing information>`

// TwoPassRetriever searches a memory, optionally refining once with the
// help of a judge model.
type TwoPassRetriever struct {
	log   logrus.FieldLogger
	svc   memoryservice.Client
	judge chatmodel.Model

	// twoPass gates the refinement pass. Off means broad pass only.
	twoPass bool
}

// NewTwoPassRetriever creates a retriever. judge may be nil when twoPass
// is false.
func NewTwoPassRetriever(log logrus.FieldLogger, svc memoryservice.Client, judge chatmodel.Model, twoPass bool) *TwoPassRetriever {
	return &TwoPassRetriever{
		log:     log.WithField("component", "retrieval"),
		svc:     svc,
		judge:   judge,
		twoPass: twoPass,
	}
}

// Retrieve returns the material to answer question from. The first pass
// uses the raw question text; an empty result returns immediately since
// refining a miss has nothing to anchor on.
func (r *TwoPassRetriever) Retrieve(ctx context.Context, vaultID, memoryID, question string) (*memoryservice.SearchResult, error) {
	first, err := r.svc.Search(ctx, memoryservice.SearchRequest{
		VaultID:     vaultID,
		MemoryID:    memoryID,
		Query:       question,
		TopEntries:  broadTopEntries,
		TopContexts: broadTopContexts,
	})
	if err != nil {
		return nil, fmt.Errorf("broad search pass: %w", err)
	}

	if !r.twoPass || r.judge == nil || first.Empty() {
		return first, nil
	}

	refineQuery, err := r.judgeRefinement(ctx, question, first)
	if err != nil {
		// The judge is an optimization. Its failure never loses the
		// material already retrieved.
		r.log.WithError(err).Warn("Judge pass failed, keeping broad results")

		return first, nil
	}

	if refineQuery == "" {
		return first, nil
	}

	second, err := r.svc.Search(ctx, memoryservice.SearchRequest{
		VaultID:     vaultID,
		MemoryID:    memoryID,
		Query:       refineQuery,
		TopEntries:  refineTopEntries,
		TopContexts: refineTopContexts,
	})
	if err != nil {
		r.log.WithError(err).Warn("Refinement search failed, keeping broad results")

		return first, nil
	}

	return Merge(first, second), nil
}

// judgeRefinement returns a narrower query, or empty when the broad pass
// suffices.
func (r *TwoPassRetriever) judgeRefinement(ctx context.Context, question string, res *memoryservice.SearchResult) (string, error) {
	prompt := fmt.Sprintf(judgePrompt, question, renderForJudge(res))

	resp, err := r.judge.Invoke(ctx, []chatmodel.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("invoking judge model: %w", err)
	}

	verdict := strings.TrimSpace(resp.Text)

	if after, found := strings.CutPrefix(verdict, refinePrefix); found {
		return strings.TrimSpace(after), nil
	}

	// Anything that is not an explicit refinement counts as sufficient.
	return "", nil
}

func renderForJudge(res *memoryservice.SearchResult) string {
	var b strings.Builder

	if res.LatestContext != "" {
		b.WriteString("Latest context:\n")
		b.WriteString(res.LatestContext)
		b.WriteString("\n\n")
	}

	for _, c := range res.Contexts {
		b.WriteString("Context: ")
		b.WriteString(c.Text)
		b.WriteString("\n")
	}

	for _, e := range res.Entries {
		b.WriteString("Entry: ")
		b.WriteString(e.Summary)
		b.WriteString("\n")
	}

	return b.String()
}

// Merge combines two search passes deterministically. Entries dedupe by
// ID with first-pass ordering preserved and novel second-pass entries
// appended; context shards dedupe by exact text; the latest context
// always comes from the first pass.
func Merge(first, second *memoryservice.SearchResult) *memoryservice.SearchResult {
	merged := &memoryservice.SearchResult{
		LatestContext: first.LatestContext,
	}

	seenEntries := make(map[string]bool)

	for _, e := range first.Entries {
		if !seenEntries[e.ID] {
			seenEntries[e.ID] = true

			merged.Entries = append(merged.Entries, e)
		}
	}

	for _, e := range second.Entries {
		if !seenEntries[e.ID] {
			seenEntries[e.ID] = true

			merged.Entries = append(merged.Entries, e)
		}
	}

	seenContexts := make(map[string]bool)

	for _, c := range first.Contexts {
		if !seenContexts[c.Text] {
			seenContexts[c.Text] = true

			merged.Contexts = append(merged.Contexts, c)
		}
	}

	for _, c := range second.Contexts {
		if !seenContexts[c.Text] {
			seenContexts[c.Text] = true

			merged.Contexts = append(merged.Contexts, c)
		}
	}

	return merged
}
