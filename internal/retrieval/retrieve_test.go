package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/farzinnasiri/the-council-sub000/internal/embedding"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/testutil"
)

// scriptedChunkStore returns one canned hit list per Search call, in order.
type scriptedChunkStore struct {
	searches  [][]knowledge.SearchHit
	searchErr error
	calls     int
	ks        []int
}

func (s *scriptedChunkStore) ReplaceDocument(context.Context, string, uuid.UUID, string, []knowledge.Chunk) (int, error) {
	return 0, nil
}

func (s *scriptedChunkStore) DeleteDocument(context.Context, string, uuid.UUID) (int, error) {
	return 0, nil
}

func (s *scriptedChunkStore) HasChunks(context.Context, string, string) (bool, error) {
	return true, nil
}

func (s *scriptedChunkStore) Search(_ context.Context, _ string, _ []float32, k int) ([]knowledge.SearchHit, error) {
	s.ks = append(s.ks, k)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	i := s.calls
	s.calls++
	if i < len(s.searches) {
		return s.searches[i], nil
	}
	return nil, nil
}

func newTestRetriever(t *testing.T, store knowledge.Store) *Retriever {
	t.Helper()
	batcher, err := embedding.NewBatcher(&testutil.Embedder{}, 8, nil, nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	r, err := NewRetriever(batcher, store, 5, 20, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	return r
}

func TestRetrieveDeduplicates(t *testing.T) {
	refA, refB := uuid.New(), uuid.New()
	store := &scriptedChunkStore{searches: [][]knowledge.SearchHit{{
		{Text: "The cutover starts at 02:00 UTC.", DocumentRef: refA, DisplayName: "Runbook.md"},
		{Text: "Rollback is a single script.", DocumentRef: refA, DisplayName: "Runbook.md"},
		{Text: "  the CUTOVER starts at 02:00   UTC. ", DocumentRef: refB, DisplayName: "Summary.md"},
		{Text: "", DocumentRef: refB, DisplayName: "Summary.md"},
	}}}
	retr := newTestRetriever(t, store)

	ev, err := retr.Retrieve(context.Background(), "alice", "when is cutover", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !ev.Grounded {
		t.Fatal("expected grounded evidence")
	}
	if len(ev.Citations) != 2 {
		t.Fatalf("citations = %+v, want 2 distinct documents", ev.Citations)
	}
	if len(ev.Snippets) != 2 {
		t.Fatalf("snippets = %+v, want duplicates merged", ev.Snippets)
	}

	// The duplicate snippet keeps its first text form and accumulates both
	// citation indices.
	merged := ev.Snippets[0]
	if merged.Text != "The cutover starts at 02:00 UTC." {
		t.Fatalf("merged snippet text = %q", merged.Text)
	}
	if len(merged.CitationIndices) != 2 {
		t.Fatalf("merged indices = %v, want both citations", merged.CitationIndices)
	}
}

func TestRetrieveKBounds(t *testing.T) {
	store := &scriptedChunkStore{}
	retr := newTestRetriever(t, store)
	ctx := context.Background()

	for _, tc := range []struct{ in, want int }{{0, 5}, {-3, 5}, {7, 7}, {500, 20}} {
		if _, err := retr.Retrieve(ctx, "alice", "q", tc.in); err != nil {
			t.Fatalf("Retrieve(k=%d): %v", tc.in, err)
		}
	}
	for i, want := range []int{5, 5, 7, 20} {
		if store.ks[i] != want {
			t.Fatalf("search %d used k=%d, want %d", i, store.ks[i], want)
		}
	}
}

func TestRetrieveEmptyIsUngrounded(t *testing.T) {
	retr := newTestRetriever(t, &scriptedChunkStore{})

	ev, err := retr.Retrieve(context.Background(), "alice", "anything", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ev.Grounded || len(ev.Snippets) != 0 {
		t.Fatalf("evidence = %+v, want ungrounded empty", ev)
	}
}

func TestRetrieveSearchFailure(t *testing.T) {
	retr := newTestRetriever(t, &scriptedChunkStore{searchErr: errors.New("index offline")})

	if _, err := retr.Retrieve(context.Background(), "alice", "q", 0); err == nil {
		t.Fatal("expected search error to surface")
	}
}

func TestFormatPack(t *testing.T) {
	ev := &Evidence{
		Citations: []Citation{
			{Title: "Runbook.md", URI: "kb://abc"},
			{Title: "Summary.md", URI: "kb://def"},
		},
		Snippets: []Snippet{
			{Text: "The cutover starts at 02:00 UTC.", CitationIndices: []int{0, 1}},
			{Text: "Rollback is a single script.", CitationIndices: []int{0}},
		},
		Grounded: true,
	}

	pack := FormatPack(ev)
	for _, want := range []string{
		"[Sources]",
		"1. Runbook.md (kb://abc)",
		"2. Summary.md (kb://def)",
		"[Quotes]",
		`"The cutover starts at 02:00 UTC." [1,2]`,
		`"Rollback is a single script." [1]`,
	} {
		if !strings.Contains(pack, want) {
			t.Fatalf("pack missing %q:\n%s", want, pack)
		}
	}
}

func TestFormatPackEmpty(t *testing.T) {
	if got := FormatPack(&Evidence{}); got != NoGroundedSnippets {
		t.Fatalf("FormatPack(empty) = %q", got)
	}
	if got := FormatPack(nil); got != NoGroundedSnippets {
		t.Fatalf("FormatPack(nil) = %q", got)
	}
}
