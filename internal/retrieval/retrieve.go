package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/farzinnasiri/the-council-sub000/internal/embedding"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
)

// Retriever runs a single vector-search pass and shapes the hits into
// deduplicated citations and snippets.
type Retriever struct {
	batcher  *embedding.Batcher
	chunks   knowledge.Store
	defaultK int
	maxK     int
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. defaultK is used when the caller passes
// k <= 0; requests above maxK are clamped.
func NewRetriever(batcher *embedding.Batcher, chunks knowledge.Store, defaultK, maxK int, logger *slog.Logger) (*Retriever, error) {
	if batcher == nil || chunks == nil {
		return nil, fmt.Errorf("batcher and chunk store are required")
	}
	if defaultK <= 0 || maxK < defaultK {
		return nil, fmt.Errorf("invalid search limits: default %d, max %d", defaultK, maxK)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		batcher:  batcher,
		chunks:   chunks,
		defaultK: defaultK,
		maxK:     maxK,
		logger:   logger,
	}, nil
}

// Retrieve embeds the query, searches the owner's chunks and returns
// deduplicated evidence. Citations dedupe by (title, uri); snippets dedupe
// by normalized text with citation-index sets merged.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, query string, k int) (*Evidence, error) {
	if k <= 0 {
		k = r.defaultK
	}
	if k > r.maxK {
		k = r.maxK
	}

	vector, err := r.batcher.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.chunks.Search(ctx, ownerID, vector, k)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	ev := buildEvidence(hits)
	r.logger.Debug("retrieval pass",
		"owner_id", ownerID, "k", k,
		"hits", len(hits), "snippets", len(ev.Snippets), "grounded", ev.Grounded)
	return ev, nil
}

// buildEvidence converts raw search hits into deduplicated citations and
// snippets.
func buildEvidence(hits []knowledge.SearchHit) *Evidence {
	ev := &Evidence{}
	citationIndex := make(map[Citation]int)
	snippetIndex := make(map[string]int)

	for _, hit := range hits {
		text := strings.TrimSpace(hit.Text)
		if text == "" {
			continue
		}

		cit := Citation{Title: hit.DisplayName, URI: "kb://" + hit.DocumentRef.String()}
		ci, ok := citationIndex[cit]
		if !ok {
			ci = len(ev.Citations)
			citationIndex[cit] = ci
			ev.Citations = append(ev.Citations, cit)
		}

		key := normalizeSnippet(text)
		si, ok := snippetIndex[key]
		if !ok {
			snippetIndex[key] = len(ev.Snippets)
			ev.Snippets = append(ev.Snippets, Snippet{Text: text, CitationIndices: []int{ci}})
			continue
		}
		if !containsIndex(ev.Snippets[si].CitationIndices, ci) {
			ev.Snippets[si].CitationIndices = append(ev.Snippets[si].CitationIndices, ci)
		}
	}

	ev.Grounded = len(ev.Snippets) > 0
	return ev
}

// normalizeSnippet collapses case and whitespace for duplicate detection.
func normalizeSnippet(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func containsIndex(indices []int, i int) bool {
	for _, existing := range indices {
		if existing == i {
			return true
		}
	}
	return false
}
