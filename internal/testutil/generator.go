package testutil

import (
	"context"
	"sync"
)

// Generator is a scripted text generator for tests. Responses are returned
// in order; the last response repeats once the script is exhausted.
type Generator struct {
	mu sync.Mutex

	// Responses is the script of raw LLM outputs.
	Responses []string

	// Err, when set, is returned by every Generate call.
	Err error

	// CallCount tracks calls; Prompts records every prompt seen.
	CallCount int
	Prompts   []string
}

// Generate implements the Generator interface consumed by the ingestor,
// retrieval gate and query rewriter.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CallCount++
	g.Prompts = append(g.Prompts, prompt)

	if g.Err != nil {
		return "", g.Err
	}
	if len(g.Responses) == 0 {
		return "", nil
	}

	i := g.CallCount - 1
	if i >= len(g.Responses) {
		i = len(g.Responses) - 1
	}
	return g.Responses[i], nil
}
