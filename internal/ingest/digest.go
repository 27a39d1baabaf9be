package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/farzinnasiri/the-council-sub000/internal/llm"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

const (
	// digestSampleChars bounds the document text shown to the model.
	digestSampleChars = 4000

	minSetItems = 3
	maxSetItems = 12
	maxItemLen  = 48
	maxSummary  = 300
)

const digestPromptTemplate = `You analyze a document that was just added to a member's knowledge base.

Document name: %s
Member persona: %s

Document text (may be truncated):
---
%s
---

Respond with ONLY a JSON object, no markdown fences, in this exact shape:
{
  "topics": ["3-12 short topic phrases"],
  "entities": ["3-12 named people, places, products or organizations"],
  "lexical_anchors": ["3-12 distinctive words or phrases likely to appear in questions about this document"],
  "style_anchors": ["3-12 words describing the document's tone and register"],
  "summary": "one or two sentences, at most 300 characters"
}`

// digestResponse is the model's expected JSON shape.
type digestResponse struct {
	Topics         []string `json:"topics"`
	Entities       []string `json:"entities"`
	LexicalAnchors []string `json:"lexical_anchors"`
	StyleAnchors   []string `json:"style_anchors"`
	Summary        string   `json:"summary"`
}

// generateDigest asks the model for a digest and validates it, falling back
// to a deterministic digest derived from the display name and persona hint
// whenever generation fails or the response is incomplete.
func (ing *Ingestor) generateDigest(ctx context.Context, displayName, text, personaHint string) metadata.Digest {
	fallback := fallbackDigest(displayName, personaHint)
	if ing.generator == nil {
		return fallback
	}

	sample := cutAtRune(text, digestSampleChars)
	prompt := fmt.Sprintf(digestPromptTemplate, displayName, personaHint, sample)

	raw, err := ing.generator.Generate(ctx, prompt)
	if err != nil {
		ing.logger.Warn("digest generation failed, using fallback",
			"display_name", displayName, "error", err)
		return fallback
	}

	var resp digestResponse
	if err := llm.ParseJSON(raw, &resp); err != nil {
		ing.logger.Warn("digest response unparseable, using fallback",
			"display_name", displayName, "error", err)
		return fallback
	}

	digest := metadata.Digest{
		Topics:         boundSet(resp.Topics, fallback.Topics),
		Entities:       boundSet(resp.Entities, fallback.Entities),
		LexicalAnchors: boundSet(resp.LexicalAnchors, fallback.LexicalAnchors),
		StyleAnchors:   boundSet(resp.StyleAnchors, fallback.StyleAnchors),
		Summary:        strings.TrimSpace(resp.Summary),
	}
	if len(resp.Topics) == 0 || len(resp.LexicalAnchors) == 0 || digest.Summary == "" {
		ing.logger.Warn("digest response incomplete, using fallback", "display_name", displayName)
		return fallback
	}
	digest.Summary = cutAtRune(digest.Summary, maxSummary)
	return digest
}

// fallbackDigest builds a digest without any model involvement. It is fully
// deterministic for a given display name and persona hint.
func fallbackDigest(displayName, personaHint string) metadata.Digest {
	nameTokens := tokenize(displayName)
	personaTokens := tokenize(personaHint)

	all := append(append([]string{}, nameTokens...), personaTokens...)
	return metadata.Digest{
		Topics:         boundSet(all, defaultFill),
		Entities:       boundSet(nameTokens, defaultFill),
		LexicalAnchors: boundSet(nameTokens, defaultFill),
		StyleAnchors:   boundSet(personaTokens, defaultFill),
		Summary:        llm.Truncate("Uploaded document: "+displayName, maxSummary),
	}
}

// defaultFill pads anchor sets that would otherwise fall below the minimum.
var defaultFill = []string{"document", "notes", "reference"}

// cutAtRune shortens s to at most n bytes without splitting a multi-byte
// rune, so stored digest fields stay valid UTF-8.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tokenize lowercases and splits on non-letter, non-digit runes, keeping
// tokens of three or more characters.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// boundSet normalizes a term set: lowercase, trimmed, deduplicated, each item
// length-capped, padded from fill up to the minimum and truncated at the
// maximum.
func boundSet(items, fill []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, maxSetItems)

	add := func(item string) {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" || len(out) >= maxSetItems {
			return
		}
		item = cutAtRune(item, maxItemLen)
		if _, dup := seen[item]; dup {
			return
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}

	for _, item := range items {
		add(item)
	}
	for _, item := range fill {
		if len(out) >= minSetItems {
			break
		}
		add(item)
	}
	return out
}
