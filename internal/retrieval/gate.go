package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/farzinnasiri/the-council-sub000/internal/llm"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

// explicitPhrases are direct references to the knowledge base. Any hit
// short-circuits the gate to a positive verdict.
var explicitPhrases = []string{
	"document",
	"pdf",
	"according to",
	"knowledge base",
	"from the file",
	"in your files",
	"uploaded",
	"attachment",
}

// anaphoraCues suggest the query refers back to something earlier in the
// conversation. Single-word cues are matched on word boundaries.
var (
	anaphoraWords   = []string{"it", "that", "this", "those", "these"}
	anaphoraPhrases = []string{"what does it mean", "what about that", "and this", "tell me more"}
)

const minOverlapTermLen = 3

// Gate decides whether a query should consult the knowledge base.
//
// The decision tree is ordered: cheap deterministic heuristics run first and
// the LLM classifier is only reached when none of them fire. The gate never
// returns an error; classifier failure fails closed.
type Gate struct {
	generator Generator
	logger    *slog.Logger
}

// NewGate creates a Gate. generator may be nil: the classifier step then
// always fails closed.
func NewGate(generator Generator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{generator: generator, logger: logger}
}

// Decide runs the gate for one query. standalone is the rewritten retrieval
// query; digests are the owner's active digests; hasDocs reports whether the
// owner has any indexed documents at all.
func (g *Gate) Decide(ctx context.Context, query, standalone string, history []Turn, digests []metadata.Digest, hasDocs bool) GateDecision {
	if !hasDocs {
		return GateDecision{Reason: ReasonNoDocs, Mode: ModeHeuristic}
	}

	loweredQuery := strings.ToLower(query)
	loweredStandalone := strings.ToLower(standalone)

	for _, phrase := range explicitPhrases {
		if strings.Contains(loweredQuery, phrase) || strings.Contains(loweredStandalone, phrase) {
			return GateDecision{
				UseKnowledgeBase: true,
				Reason:           ReasonExplicitRequest,
				Mode:             ModeHeuristic,
			}
		}
	}

	if matched := digestOverlap(loweredStandalone, digests); len(matched) > 0 {
		return GateDecision{
			UseKnowledgeBase: true,
			Reason:           ReasonDigestOverlap,
			Mode:             ModeHeuristic,
			MatchedTerms:     matched,
		}
	}

	if len(history) > 0 && hasAnaphora(loweredQuery) {
		return GateDecision{
			UseKnowledgeBase: true,
			Reason:           ReasonFollowUp,
			Mode:             ModeHeuristic,
		}
	}

	return g.classify(ctx, query, digests)
}

// digestOverlap returns the digest terms of at least minOverlapTermLen
// characters that appear in the standalone query.
func digestOverlap(loweredStandalone string, digests []metadata.Digest) []string {
	if loweredStandalone == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var matched []string
	for i := range digests {
		for _, term := range digests[i].Terms() {
			if len(term) < minOverlapTermLen {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			if strings.Contains(loweredStandalone, term) {
				seen[term] = struct{}{}
				matched = append(matched, term)
			}
		}
	}
	return matched
}

// hasAnaphora reports whether the query carries a follow-up cue.
func hasAnaphora(loweredQuery string) bool {
	for _, phrase := range anaphoraPhrases {
		if strings.Contains(loweredQuery, phrase) {
			return true
		}
	}
	words := strings.FieldsFunc(loweredQuery, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, w := range words {
		for _, cue := range anaphoraWords {
			if w == cue {
				return true
			}
		}
	}
	return false
}

const gatePromptTemplate = `Decide whether answering the user's message requires consulting the member's personal document collection.

User message: %q

The member's documents: %s

Respond with ONLY a JSON object: {"consult": true or false}`

// gateResponse is the classifier's expected JSON shape.
type gateResponse struct {
	Consult bool `json:"consult"`
}

// classify delegates to the LLM as a binary classifier. Any failure fails
// closed.
func (g *Gate) classify(ctx context.Context, query string, digests []metadata.Digest) GateDecision {
	fallback := GateDecision{Reason: ReasonGateFallback, Mode: ModeLLMGate}
	if g.generator == nil {
		return fallback
	}

	names := make([]string, 0, len(digests))
	for i := range digests {
		names = append(names, digests[i].DisplayName)
	}
	prompt := fmt.Sprintf(gatePromptTemplate, query, strings.Join(names, "; "))

	raw, err := g.generator.Generate(ctx, prompt)
	if err != nil {
		g.logger.Warn("gate classifier failed, failing closed", "error", err)
		return fallback
	}

	var resp gateResponse
	if err := llm.ParseJSON(raw, &resp); err != nil {
		g.logger.Warn("gate classifier response unparseable, failing closed", "error", err)
		return fallback
	}

	return GateDecision{
		UseKnowledgeBase: resp.Consult,
		Reason:           ReasonLLMVerdict,
		Mode:             ModeLLMGate,
	}
}
