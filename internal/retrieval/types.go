// Package retrieval turns a conversational query into a gated, grounded,
// citation-bearing evidence pack: gate decision, query rewriting, vector
// search and snippet deduplication.
package retrieval

import "context"

// Turn is one prior conversation message.
type Turn struct {
	Role string
	Text string
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Generator produces text from a prompt. The gate and rewriter treat it as
// advisory: failures degrade to deterministic fallbacks.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GateDecision is the outcome of the retrieval gate.
type GateDecision struct {
	UseKnowledgeBase bool
	Reason           string
	Mode             string
	// MatchedTerms lists the digest terms that triggered a digest-overlap
	// decision, for observability.
	MatchedTerms []string
}

// Gate decision modes.
const (
	ModeHeuristic = "heuristic"
	ModeLLMGate   = "llm-gate"
)

// Gate decision reasons.
const (
	ReasonNoDocs          = "no-docs"
	ReasonExplicitRequest = "explicit-kb-request"
	ReasonDigestOverlap   = "digest-overlap"
	ReasonFollowUp        = "follow-up-anaphora"
	ReasonLLMVerdict      = "llm-verdict"
	ReasonGateFallback    = "kb-gate-fallback"
)

// QueryPlan is the rewriter's output: a standalone retrieval query plus up
// to two alternate phrasings.
type QueryPlan struct {
	Standalone string
	Alternates []string
}

// Citation identifies a source document.
type Citation struct {
	Title string
	URI   string
}

// Snippet is one retrieved quote with back-references into the citation
// list.
type Snippet struct {
	Text            string
	CitationIndices []int
}

// Evidence is the result of one retrieval pass.
type Evidence struct {
	Citations []Citation
	Snippets  []Snippet
	Grounded  bool
}
