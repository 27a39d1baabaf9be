// Package llm wraps the generation provider behind a single-method client.
//
// Every call site in the engine treats generation as advisory: the raw text
// comes back here, and the caller parses it with a typed parse-or-fallback
// (see ParseJSON) so a misbehaving model can never fail a chat turn or an
// ingestion outright.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// maxResponseBytes limits LLM response size before JSON parsing (10 KB).
const maxResponseBytes = 10 * 1024

// Client generates text through Genkit with a fixed model.
type Client struct {
	g         *genkit.Genkit
	modelName string
}

// NewClient creates a generation client. modelName may be empty to use the
// Genkit default model.
func NewClient(g *genkit.Genkit, modelName string) (*Client, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	return &Client{g: g, modelName: modelName}, nil
}

// Generate runs one prompt and returns the raw response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	opts := []ai.GenerateOption{ai.WithPrompt(prompt)}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generating: %w", err)
	}

	return resp.Text(), nil
}

// ParseJSON parses an LLM response into v. It strips markdown code fences,
// enforces the response size cap and rejects empty responses. Callers pair
// every ParseJSON with an explicit fallback value.
func ParseJSON(raw string, v any) error {
	if len(raw) > maxResponseBytes {
		return fmt.Errorf("response too large: %d bytes", len(raw))
	}

	text := StripCodeFences(strings.TrimSpace(raw))
	if text == "" {
		return fmt.Errorf("empty response")
	}

	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("parsing response: %w (raw: %q)", err, Truncate(text, 200))
	}
	return nil
}

// StripCodeFences removes ```json ... ``` wrapping from model output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// Truncate shortens s to roughly n bytes, backing up so a multi-byte rune is
// never split.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
