// Package testutil provides shared test doubles for engine components.
package testutil

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// Embedder is a deterministic in-process ai.Embedder for tests.
//
// It returns one vector per input document. Vectors are derived from the
// input text so different texts get different (but stable) directions,
// which makes similarity-dependent assertions reproducible.
type Embedder struct {
	mu sync.Mutex

	// Dimension of returned vectors. Defaults to 768 when zero.
	Dimension int

	// Err, when set, is returned by every Embed call.
	Err error

	// FailAfter fails the call once CallCount exceeds this value (0 = never).
	FailAfter int

	// CallCount tracks provider calls (one per batch).
	CallCount int

	// Inputs records the texts of every request, in order.
	Inputs [][]string
}

// Name implements ai.Embedder.
func (e *Embedder) Name() string { return "test-embedder" }

// Register implements ai.Embedder.
func (e *Embedder) Register(api.Registry) {}

// Embed implements ai.Embedder.
func (e *Embedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CallCount++

	texts := make([]string, 0, len(req.Input))
	for _, doc := range req.Input {
		text := ""
		if len(doc.Content) > 0 {
			text = doc.Content[0].Text
		}
		texts = append(texts, text)
	}
	e.Inputs = append(e.Inputs, texts)

	if e.Err != nil {
		return nil, e.Err
	}
	if e.FailAfter > 0 && e.CallCount > e.FailAfter {
		return nil, context.DeadlineExceeded
	}

	dim := e.Dimension
	if dim == 0 {
		dim = 768
	}

	resp := &ai.EmbedResponse{}
	for _, text := range texts {
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{
			Embedding: Vector(text, dim),
		})
	}
	return resp, nil
}

// Vector derives a stable unit-ish vector of the given dimension from text.
// Texts sharing a long prefix produce nearby vectors.
func Vector(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)%1000) / 1000
	}
	return vec
}
