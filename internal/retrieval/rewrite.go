package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/farzinnasiri/the-council-sub000/internal/llm"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

const (
	// rewriteHistoryTurns bounds how much conversation is shown to the
	// model.
	rewriteHistoryTurns = 6

	maxAlternates = 2
)

const rewritePromptTemplate = `Rewrite the user's latest message as a standalone search query that needs no conversation context, plus up to two alternate phrasings.

Conversation so far:
%s

Member memory hint: %s

Document summaries:
%s

Latest message: %q

Respond with ONLY a JSON object:
{"standalone": "the rewritten query", "alternates": ["up to two alternate phrasings"]}`

// rewriteResponse is the model's expected JSON shape.
type rewriteResponse struct {
	Standalone string   `json:"standalone"`
	Alternates []string `json:"alternates"`
}

// Rewriter turns a conversational query into a standalone retrieval query.
//
// Rewriting is advisory: generation failures degrade to a deterministic
// fallback built from recent user turns, never to an error.
type Rewriter struct {
	generator Generator
	logger    *slog.Logger
}

// NewRewriter creates a Rewriter. generator may be nil: every rewrite then
// uses the fallback.
func NewRewriter(generator Generator, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{generator: generator, logger: logger}
}

// Rewrite produces the query plan for one turn.
func (r *Rewriter) Rewrite(ctx context.Context, query string, history []Turn, memoryHint string, digests []metadata.Digest) QueryPlan {
	fallback := QueryPlan{Standalone: fallbackQuery(query, history)}
	if r.generator == nil {
		return fallback
	}

	prompt := fmt.Sprintf(rewritePromptTemplate,
		formatHistory(history, rewriteHistoryTurns),
		memoryHint,
		formatSummaries(digests),
		query)

	raw, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		r.logger.Warn("query rewrite failed, using fallback", "error", err)
		return fallback
	}

	var resp rewriteResponse
	if err := llm.ParseJSON(raw, &resp); err != nil {
		r.logger.Warn("query rewrite response unparseable, using fallback", "error", err)
		return fallback
	}

	plan := QueryPlan{Standalone: strings.TrimSpace(resp.Standalone)}
	if plan.Standalone == "" {
		plan.Standalone = query
	}
	for _, alt := range resp.Alternates {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		plan.Alternates = append(plan.Alternates, alt)
		if len(plan.Alternates) == maxAlternates {
			break
		}
	}
	return plan
}

// fallbackQuery concatenates the last two user-authored turns, or returns
// the original query when history holds none.
func fallbackQuery(query string, history []Turn) string {
	var userTurns []string
	for i := len(history) - 1; i >= 0 && len(userTurns) < 2; i-- {
		if history[i].Role == RoleUser {
			if text := strings.TrimSpace(history[i].Text); text != "" {
				userTurns = append([]string{text}, userTurns...)
			}
		}
	}
	if len(userTurns) == 0 {
		return query
	}
	return strings.Join(userTurns, " ")
}

func formatHistory(history []Turn, limit int) string {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	if len(history) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSummaries(digests []metadata.Digest) string {
	if len(digests) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i := range digests {
		fmt.Fprintf(&b, "- %s: %s\n", digests[i].DisplayName, digests[i].Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
