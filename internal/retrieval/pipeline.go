package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

// NoGroundedSnippets is the explicit marker rendered when a chat turn ends
// without evidence, so downstream prompting never receives an ambiguous
// empty string.
const NoGroundedSnippets = "[Sources]\n(no grounded snippets)"

// ChatResult is everything a chat turn's retrieval produced.
type ChatResult struct {
	Gate     GateDecision
	Plan     QueryPlan
	Evidence *Evidence
	// Pack is the formatted [Sources]/[Quotes] block handed to answer
	// generation.
	Pack     string
	Grounded bool
}

// Pipeline wires gate, rewriter and retriever into the per-turn flow.
type Pipeline struct {
	gate      *Gate
	rewriter  *Rewriter
	retriever *Retriever
	meta      metadata.Store
	logger    *slog.Logger
}

// NewPipeline creates a chat retrieval pipeline.
func NewPipeline(gate *Gate, rewriter *Rewriter, retriever *Retriever, meta metadata.Store, logger *slog.Logger) (*Pipeline, error) {
	if gate == nil || rewriter == nil || retriever == nil || meta == nil {
		return nil, fmt.Errorf("gate, rewriter, retriever and metadata store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		gate:      gate,
		rewriter:  rewriter,
		retriever: retriever,
		meta:      meta,
		logger:    logger,
	}, nil
}

// Chat runs rewrite → gate → retrieve for one turn.
//
// The rewrite runs before the gate because the gate's explicit-reference and
// digest-overlap checks consume the standalone query. Owners with no
// documents short-circuit before any generation call. A negative gate
// short-circuits before any vector search; retrieval failures degrade to an
// ungrounded result rather than failing the turn.
func (p *Pipeline) Chat(ctx context.Context, ownerID, query string, history []Turn, memoryHint string) (*ChatResult, error) {
	digests, err := p.meta.ListActiveDigests(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing digests: %w", err)
	}
	hasDocs := len(digests) > 0
	if !hasDocs {
		return &ChatResult{
			Gate:     p.gate.Decide(ctx, query, query, history, nil, false),
			Plan:     QueryPlan{Standalone: query},
			Evidence: &Evidence{},
			Pack:     NoGroundedSnippets,
		}, nil
	}

	plan := p.rewriter.Rewrite(ctx, query, history, memoryHint, digests)
	decision := p.gate.Decide(ctx, query, plan.Standalone, history, digests, hasDocs)

	result := &ChatResult{
		Gate:     decision,
		Plan:     plan,
		Evidence: &Evidence{},
		Pack:     NoGroundedSnippets,
	}
	if !decision.UseKnowledgeBase {
		return result, nil
	}

	evidence := p.retrieve(ctx, ownerID, plan.Standalone)
	if !evidence.Grounded {
		if alt, ok := usableAlternate(plan); ok {
			evidence = p.retrieve(ctx, ownerID, alt)
		}
	}

	result.Evidence = evidence
	result.Grounded = evidence.Grounded
	result.Pack = FormatPack(evidence)
	return result, nil
}

// retrieve runs one pass, degrading provider failures to empty evidence.
func (p *Pipeline) retrieve(ctx context.Context, ownerID, query string) *Evidence {
	evidence, err := p.retriever.Retrieve(ctx, ownerID, query, 0)
	if err != nil {
		p.logger.Warn("retrieval pass failed, continuing ungrounded",
			"owner_id", ownerID, "error", err)
		return &Evidence{}
	}
	return evidence
}

// usableAlternate returns the first alternate phrasing that differs from the
// standalone query case-insensitively.
func usableAlternate(plan QueryPlan) (string, bool) {
	for _, alt := range plan.Alternates {
		if alt != "" && !strings.EqualFold(alt, plan.Standalone) {
			return alt, true
		}
	}
	return "", false
}

// FormatPack renders evidence as a [Sources] block of deduped citations
// followed by a [Quotes] block of snippets with back-references. Empty
// evidence renders the explicit no-grounded-snippets marker.
func FormatPack(ev *Evidence) string {
	if ev == nil || len(ev.Snippets) == 0 {
		return NoGroundedSnippets
	}

	var b strings.Builder
	b.WriteString("[Sources]\n")
	for i, cit := range ev.Citations {
		if cit.URI != "" {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, cit.Title, cit.URI)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, cit.Title)
		}
	}

	b.WriteString("\n[Quotes]\n")
	for _, sn := range ev.Snippets {
		refs := make([]string, len(sn.CitationIndices))
		for i, ci := range sn.CitationIndices {
			refs[i] = fmt.Sprintf("%d", ci+1)
		}
		fmt.Fprintf(&b, "- %q [%s]\n", sn.Text, strings.Join(refs, ","))
	}
	return strings.TrimRight(b.String(), "\n")
}
