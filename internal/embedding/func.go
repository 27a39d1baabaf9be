package embedding

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	chromem "github.com/philippgille/chromem-go"
	"google.golang.org/genai"
)

// NewEmbeddingFunc bridges a Genkit ai.Embedder to chromem-go's
// EmbeddingFunc, used by the in-memory chunk store backend.
//
// chromem-go normalizes vectors itself, so no manual normalization here.
func NewEmbeddingFunc(embedder ai.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		dim := VectorDimension
		resp, err := embedder.Embed(ctx, &ai.EmbedRequest{
			Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
			Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
		})
		if err != nil {
			return nil, fmt.Errorf("embed failed: %w", err)
		}

		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}

		return resp.Embeddings[0].Embedding, nil
	}
}
