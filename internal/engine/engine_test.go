package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/farzinnasiri/the-council-sub000/internal/blob"
	"github.com/farzinnasiri/the-council-sub000/internal/chunker"
	"github.com/farzinnasiri/the-council-sub000/internal/embedding"
	"github.com/farzinnasiri/the-council-sub000/internal/extract"
	"github.com/farzinnasiri/the-council-sub000/internal/ingest"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
	"github.com/farzinnasiri/the-council-sub000/internal/retention"
	"github.com/farzinnasiri/the-council-sub000/internal/retrieval"
	"github.com/farzinnasiri/the-council-sub000/internal/testutil"
)

type engineRig struct {
	engine *Engine
	meta   *metadata.MemoryStore
	chunks *knowledge.MemoryStore
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewFS: %v", err)
	}

	embedder := &testutil.Embedder{}
	batcher, err := embedding.NewBatcher(embedder, 16, nil, nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	ch, err := chunker.New(100, 20)
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}

	chunks := knowledge.NewMemoryStore(embedding.NewEmbeddingFunc(embedder), nil)
	meta := metadata.NewMemoryStore()
	extractor := extract.NewPlainText()

	ing, err := ingest.New(extractor, ch, batcher, chunks, meta, nil, 600, nil)
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	ret, err := retention.New(meta, blobs, chunks, ing, 90*24*time.Hour, nil)
	if err != nil {
		t.Fatalf("retention.New: %v", err)
	}
	retriever, err := retrieval.NewRetriever(batcher, chunks, 5, 20, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	pipeline, err := retrieval.NewPipeline(
		retrieval.NewGate(nil, nil), retrieval.NewRewriter(nil, nil), retriever, meta, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	eng, err := New(blobs, meta, chunks, extractor, ing, ret, pipeline, 90*24*time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &engineRig{engine: eng, meta: meta, chunks: chunks}
}

func TestUploadAndListScenario(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	// 150 characters with chunk size 100 and overlap 20 must produce
	// exactly the windows [0:100] and [80:150].
	content := strings.Repeat("abcdefghij", 15)
	report, err := rig.engine.UploadDocuments(ctx, "m1", []File{
		{Name: "notes.txt", Data: []byte(content), MimeType: "text/plain"},
	}, UploadOptions{})
	if err != nil {
		t.Fatalf("UploadDocuments: %v", err)
	}

	if report.StoreRef != "kb://m1" {
		t.Fatalf("store ref = %q", report.StoreRef)
	}
	if len(report.Documents) != 1 || report.Documents[0].DisplayName != "notes.txt" {
		t.Fatalf("documents = %+v", report.Documents)
	}
	if report.Outcomes[0].ChunkCount != 2 {
		t.Fatalf("chunk count = %d, want 2", report.Outcomes[0].ChunkCount)
	}

	d, err := rig.meta.GetDigest(ctx, "m1", "notes.txt")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if d.Status != metadata.DigestActive {
		t.Fatalf("digest status = %q, want active", d.Status)
	}

	docs, err := rig.engine.ListDocuments(ctx, "m1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].DisplayName != "notes.txt" {
		t.Fatalf("docs = %+v, want one entry named notes.txt", docs)
	}

	uploads, _ := rig.meta.ListUploads(ctx, "m1")
	if uploads[0].Status != metadata.UploadIngested || uploads[0].DocumentRef == nil {
		t.Fatalf("upload row = %+v, want ingested with ref", uploads[0])
	}
}

func TestUploadDuplicateSkipped(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	content := []byte(strings.Repeat("meaningful text content ", 10))
	if _, err := rig.engine.UploadDocuments(ctx, "m1", []File{{Name: "Plan.txt", Data: content}}, UploadOptions{}); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	report, err := rig.engine.UploadDocuments(ctx, "m1", []File{{Name: "  plan.TXT ", Data: content}}, UploadOptions{})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if report.Outcomes[0].Status != metadata.UploadSkipped {
		t.Fatalf("outcome = %+v, want skipped_duplicate", report.Outcomes[0])
	}
	if len(report.Documents) != 0 {
		t.Fatalf("documents = %+v, want none", report.Documents)
	}

	docs, _ := rig.engine.ListDocuments(ctx, "m1")
	if len(docs) != 1 {
		t.Fatalf("docs = %+v, want exactly one active document", docs)
	}
}

func TestUploadFailureRecordedPerFile(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	report, err := rig.engine.UploadDocuments(ctx, "m1", []File{
		{Name: "image.png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		{Name: "good.txt", Data: []byte(strings.Repeat("usable text ", 10))},
	}, UploadOptions{})
	if err != nil {
		t.Fatalf("UploadDocuments: %v", err)
	}

	if report.Outcomes[0].Status != metadata.UploadFailed || report.Outcomes[0].Err == "" {
		t.Fatalf("outcome 0 = %+v, want failed with message", report.Outcomes[0])
	}
	if report.Outcomes[1].Status != metadata.UploadIngested {
		t.Fatalf("outcome 1 = %+v, failure must not abort the batch", report.Outcomes[1])
	}

	uploads, err := rig.engine.ListUploads(ctx, "m1")
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	var failed *metadata.StagedUpload
	for i := range uploads {
		if uploads[i].Status == metadata.UploadFailed {
			failed = &uploads[i]
		}
	}
	if failed == nil || failed.IngestError == "" {
		t.Fatal("failed upload must be recorded with its error string")
	}
}

func TestUploadEmptyList(t *testing.T) {
	rig := newEngineRig(t)
	if _, err := rig.engine.UploadDocuments(context.Background(), "m1", nil, UploadOptions{}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("err = %v, want ErrNoFiles", err)
	}
}

func TestEnsureStore(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	info, err := rig.engine.EnsureStore(ctx, "m1")
	if err != nil || !info.Created || info.StoreRef != "kb://m1" {
		t.Fatalf("info = %+v err = %v, want created kb://m1", info, err)
	}

	if _, err := rig.engine.UploadDocuments(ctx, "m1", []File{
		{Name: "a.txt", Data: []byte(strings.Repeat("text ", 20))},
	}, UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	info, err = rig.engine.EnsureStore(ctx, "m1")
	if err != nil || info.Created {
		t.Fatalf("info = %+v err = %v, want existing store", info, err)
	}
}

func TestDeleteDocument(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	report, err := rig.engine.UploadDocuments(ctx, "m1", []File{
		{Name: "keep.txt", Data: []byte(strings.Repeat("keep this text ", 10))},
		{Name: "drop.txt", Data: []byte(strings.Repeat("drop this text ", 10))},
	}, UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	var dropRef uuid.UUID
	for _, doc := range report.Documents {
		if doc.DisplayName == "drop.txt" {
			dropRef = doc.Ref
		}
	}

	remaining, err := rig.engine.DeleteDocument(ctx, "m1", dropRef)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DisplayName != "keep.txt" {
		t.Fatalf("remaining = %+v, want only keep.txt", remaining)
	}

	if has, _ := rig.chunks.HasChunks(ctx, "m1", "drop.txt"); has {
		t.Fatal("deleted document must have no chunks")
	}

	// The digest survives as a soft-deleted record.
	d, err := rig.meta.GetDigest(ctx, "m1", "drop.txt")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if d.Status != metadata.DigestDeleted {
		t.Fatalf("digest status = %q, want deleted", d.Status)
	}

	if _, err := rig.engine.DeleteDocument(ctx, "m1", dropRef); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("second delete err = %v, want ErrDocumentNotFound", err)
	}
}

func TestRebuildDigests(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	if _, err := rig.engine.UploadDocuments(ctx, "m1", []File{
		{Name: "notes.txt", Data: []byte(strings.Repeat("rebuildable text ", 10))},
	}, UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	report, err := rig.engine.RebuildDigests(ctx, "m1", "an archivist")
	if err != nil {
		t.Fatalf("RebuildDigests: %v", err)
	}
	if report.Rebuilt != 1 || report.Skipped != 0 {
		t.Fatalf("report = %+v, want 1 rebuilt", report)
	}

	d, err := rig.meta.GetDigest(ctx, "m1", "notes.txt")
	if err != nil || d.Status != metadata.DigestActive {
		t.Fatalf("digest = %+v err = %v, want active", d, err)
	}
}

func TestUploadDirectoryHonorsGitignore(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	writeFile(".gitignore", "*.log\n")
	writeFile("a.txt", strings.Repeat("file a content ", 10))
	writeFile("b.log", "ignored log output")
	writeFile(".hidden", "hidden file")
	writeFile("sub/c.txt", strings.Repeat("file c content ", 10))

	report, err := rig.engine.UploadDirectory(ctx, "m1", dir, UploadOptions{})
	if err != nil {
		t.Fatalf("UploadDirectory: %v", err)
	}

	names := make(map[string]bool)
	for _, doc := range report.Documents {
		names[doc.DisplayName] = true
	}
	if !names["a.txt"] || !names[filepath.Join("sub", "c.txt")] {
		t.Fatalf("documents = %+v, want a.txt and sub/c.txt", report.Documents)
	}
	if names["b.log"] || names[".hidden"] || names[".gitignore"] {
		t.Fatalf("documents = %+v, ignored files must be skipped", report.Documents)
	}
}

func TestChatUngroundedWithoutDocuments(t *testing.T) {
	rig := newEngineRig(t)

	res, err := rig.engine.Chat(context.Background(), "m1", "what do you know?", nil, "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Gate.UseKnowledgeBase || res.Grounded {
		t.Fatalf("result = %+v, want negative gate", res)
	}
}
