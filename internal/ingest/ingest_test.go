package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/farzinnasiri/the-council-sub000/internal/chunker"
	"github.com/farzinnasiri/the-council-sub000/internal/embedding"
	"github.com/farzinnasiri/the-council-sub000/internal/extract"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
	"github.com/farzinnasiri/the-council-sub000/internal/testutil"
)

type testRig struct {
	ingestor *Ingestor
	chunks   *knowledge.MemoryStore
	meta     *metadata.MemoryStore
	embedder *testutil.Embedder
	gen      *testutil.Generator
}

func newTestRig(t *testing.T, maxChunks int, gen *testutil.Generator) *testRig {
	t.Helper()

	embedder := &testutil.Embedder{}
	batcher, err := embedding.NewBatcher(embedder, 4, nil, nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	ch, err := chunker.New(40, 10)
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}
	chunks := knowledge.NewMemoryStore(embedding.NewEmbeddingFunc(embedder), nil)
	meta := metadata.NewMemoryStore()

	var g Generator
	if gen != nil {
		g = gen
	}
	ing, err := New(extract.NewPlainText(), ch, batcher, chunks, meta, g, maxChunks, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRig{ingestor: ing, chunks: chunks, meta: meta, embedder: embedder, gen: gen}
}

func textBlob(n int) []byte {
	return []byte(strings.Repeat("the quick brown fox jumps over a lazy dog ", n))
}

func TestIngestIndexesAndWritesDigest(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	ctx := context.Background()

	res, err := rig.ingestor.Ingest(ctx, "alice", Document{
		Blob:        textBlob(10),
		DisplayName: "Fox Manual.txt",
	}, Options{PersonaHint: "a meticulous zoologist"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.ChunkCount == 0 {
		t.Fatal("expected chunks to be indexed")
	}

	has, err := rig.chunks.HasChunks(ctx, "alice", "fox manual.txt")
	if err != nil || !has {
		t.Fatalf("HasChunks = %v, %v; want true, nil", has, err)
	}

	d, err := rig.meta.GetDigest(ctx, "alice", "fox manual.txt")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if d.Status != metadata.DigestActive {
		t.Fatalf("digest status = %q, want active", d.Status)
	}
	if d.DocumentRef != res.DocumentRef {
		t.Fatalf("digest ref %s != result ref %s", d.DocumentRef, res.DocumentRef)
	}
	if len(d.Topics) < 3 || len(d.LexicalAnchors) < 3 {
		t.Fatalf("fallback digest under-filled: topics=%v anchors=%v", d.Topics, d.LexicalAnchors)
	}
}

func TestIngestRejectsDuplicate(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	ctx := context.Background()

	doc := Document{Blob: textBlob(5), DisplayName: "Notes.txt"}
	if _, err := rig.ingestor.Ingest(ctx, "alice", doc, Options{}); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	callsBefore := rig.embedder.CallCount
	_, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(5), DisplayName: "  notes.TXT  "}, Options{})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if rig.embedder.CallCount != callsBefore {
		t.Fatal("duplicate rejection must not spend embeddings")
	}

	// A different owner may use the same name.
	if _, err := rig.ingestor.Ingest(ctx, "bob", doc, Options{}); err != nil {
		t.Fatalf("other-owner Ingest: %v", err)
	}
}

func TestIngestSkipDedupReplacesChunks(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	ctx := context.Background()

	first, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(12), DisplayName: "Plan.txt"}, Options{})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	second, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(3), DisplayName: "Plan.txt"}, Options{SkipDedup: true})
	if err != nil {
		t.Fatalf("reindex Ingest: %v", err)
	}
	if second.DocumentRef != first.DocumentRef {
		t.Fatalf("reindex changed document ref: %s -> %s", first.DocumentRef, second.DocumentRef)
	}
	if second.ChunkCount >= first.ChunkCount {
		t.Fatalf("expected smaller reindex, got %d then %d", first.ChunkCount, second.ChunkCount)
	}

	// Old chunks must be gone, not appended to.
	removed, err := rig.chunks.DeleteDocument(ctx, "alice", first.DocumentRef)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if removed != second.ChunkCount {
		t.Fatalf("store held %d chunks, want %d", removed, second.ChunkCount)
	}
}

func TestIngestTooManyChunksBeforeEmbedding(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	ctx := context.Background()

	_, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(20), DisplayName: "Huge.txt"}, Options{})
	if !errors.Is(err, ErrTooManyChunks) {
		t.Fatalf("err = %v, want ErrTooManyChunks", err)
	}
	if rig.embedder.CallCount != 0 {
		t.Fatal("cap must be enforced before any provider call")
	}
	if has, _ := rig.chunks.HasChunks(ctx, "alice", "huge.txt"); has {
		t.Fatal("no chunks should be indexed")
	}
}

func TestIngestEmptyAndUnsupported(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	ctx := context.Background()

	_, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: []byte("   \n\t "), DisplayName: "Blank.txt"}, Options{})
	if !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("blank doc err = %v, want ErrEmptyDocument", err)
	}

	_, err = rig.ingestor.Ingest(ctx, "alice", Document{Blob: []byte{0xff, 0xfe}, DisplayName: "image.png"}, Options{})
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("unsupported doc err = %v, want ErrExtraction", err)
	}
}

func TestIngestEmbeddingFailureLeavesNoChunks(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	rig.embedder.Err = errors.New("provider down")
	ctx := context.Background()

	_, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(5), DisplayName: "Flaky.txt"}, Options{})
	if !errors.Is(err, embedding.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	if has, _ := rig.chunks.HasChunks(ctx, "alice", "flaky.txt"); has {
		t.Fatal("failed ingestion must not leave chunks behind")
	}
	if _, err := rig.meta.GetDigest(ctx, "alice", "flaky.txt"); !errors.Is(err, metadata.ErrNotFound) {
		t.Fatalf("digest err = %v, want ErrNotFound", err)
	}
}

func TestDigestUsesGeneratorResponse(t *testing.T) {
	gen := &testutil.Generator{Responses: []string{`{
		"topics": ["fox behavior", "canine agility", "field notes"],
		"entities": ["Fox", "Dog", "Dr. Vale"],
		"lexical_anchors": ["quick brown fox", "lazy dog", "jumps"],
		"style_anchors": ["observational", "dry", "precise"],
		"summary": "Field notes on fox agility trials."
	}`}}
	rig := newTestRig(t, 100, gen)
	ctx := context.Background()

	if _, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(5), DisplayName: "Field Notes.txt"}, Options{}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if gen.CallCount != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.CallCount)
	}

	d, err := rig.meta.GetDigest(ctx, "alice", "field notes.txt")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if d.Summary != "Field notes on fox agility trials." {
		t.Fatalf("summary = %q", d.Summary)
	}
	if d.Topics[0] != "fox behavior" {
		t.Fatalf("topics = %v", d.Topics)
	}
	if d.LexicalAnchors[0] != "quick brown fox" {
		t.Fatalf("anchors = %v", d.LexicalAnchors)
	}
}

func TestDigestFallsBackOnBadResponses(t *testing.T) {
	cases := []struct {
		name string
		gen  *testutil.Generator
	}{
		{"provider error", &testutil.Generator{Err: errors.New("quota exceeded")}},
		{"not json", &testutil.Generator{Responses: []string{"I cannot help with that."}}},
		{"missing fields", &testutil.Generator{Responses: []string{`{"summary": "only a summary"}`}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t, 100, tc.gen)
			ctx := context.Background()

			if _, err := rig.ingestor.Ingest(ctx, "alice", Document{
				Blob:        textBlob(5),
				DisplayName: "Quantum Gardening Almanac.txt",
			}, Options{PersonaHint: "whimsical botanist"}); err != nil {
				t.Fatalf("Ingest: %v", err)
			}

			d, err := rig.meta.GetDigest(ctx, "alice", "quantum gardening almanac.txt")
			if err != nil {
				t.Fatalf("GetDigest: %v", err)
			}
			if d.Summary == "" {
				t.Fatal("fallback digest must carry a summary")
			}
			found := false
			for _, topic := range d.Topics {
				if topic == "quantum" {
					found = true
				}
			}
			if !found {
				t.Fatalf("fallback topics should derive from the display name, got %v", d.Topics)
			}
		})
	}
}

func TestFallbackDigestDeterministic(t *testing.T) {
	a := fallbackDigest("Launch Plan.md", "terse operator")
	b := fallbackDigest("Launch Plan.md", "terse operator")

	if a.Summary != b.Summary {
		t.Fatal("fallback summary not deterministic")
	}
	if len(a.Topics) != len(b.Topics) {
		t.Fatal("fallback topics not deterministic")
	}
	for i := range a.Topics {
		if a.Topics[i] != b.Topics[i] {
			t.Fatalf("topic %d differs: %q vs %q", i, a.Topics[i], b.Topics[i])
		}
	}
	for _, set := range [][]string{a.Topics, a.Entities, a.LexicalAnchors, a.StyleAnchors} {
		if len(set) < minSetItems || len(set) > maxSetItems {
			t.Fatalf("set size %d out of bounds: %v", len(set), set)
		}
	}
}

func TestBoundSetNormalizes(t *testing.T) {
	got := boundSet([]string{" Alpha ", "alpha", "", "BETA", strings.Repeat("x", 100)}, defaultFill)

	if got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("got %v", got)
	}
	for _, item := range got {
		if len(item) > maxItemLen {
			t.Fatalf("item %q exceeds length cap", item)
		}
	}
	if len(got) < minSetItems {
		t.Fatalf("set %v below minimum", got)
	}
}

func TestDigestTruncationKeepsValidUTF8(t *testing.T) {
	// The leading "a" shifts every 2-byte rune off an even offset, so the
	// byte caps land mid-rune.
	long := "a" + strings.Repeat("é", 200)

	got := boundSet([]string{long}, defaultFill)
	if len(got[0]) > maxItemLen || !utf8.ValidString(got[0]) {
		t.Fatalf("item %q (len %d) must be valid UTF-8 within the cap", got[0], len(got[0]))
	}

	gen := &testutil.Generator{Responses: []string{`{
		"topics": ["one", "two", "three"],
		"entities": ["one", "two", "three"],
		"lexical_anchors": ["one", "two", "three"],
		"style_anchors": ["one", "two", "three"],
		"summary": "` + long + `"
	}`}}
	rig := newTestRig(t, 100, gen)
	ctx := context.Background()

	if _, err := rig.ingestor.Ingest(ctx, "alice", Document{Blob: textBlob(5), DisplayName: "accents.txt"}, Options{}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	d, err := rig.meta.GetDigest(ctx, "alice", "accents.txt")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if len(d.Summary) > maxSummary || !utf8.ValidString(d.Summary) {
		t.Fatalf("summary (len %d) must be valid UTF-8 within the cap", len(d.Summary))
	}
}
