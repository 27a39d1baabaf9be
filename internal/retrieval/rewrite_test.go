package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/farzinnasiri/the-council-sub000/internal/testutil"
)

func TestRewriteUsesGeneratorPlan(t *testing.T) {
	gen := &testutil.Generator{Responses: []string{`{
		"standalone": "what is the rollback plan for the billing migration",
		"alternates": ["billing migration rollback steps", "how to revert the billing cutover", "a third one that gets dropped"]
	}`}}
	rw := NewRewriter(gen, nil)

	plan := rw.Rewrite(context.Background(), "and the rollback?", []Turn{
		{Role: RoleUser, Text: "tell me about the billing migration"},
		{Role: RoleModel, Text: "it moves billing to the new cluster"},
	}, "", sampleDigests())

	if plan.Standalone != "what is the rollback plan for the billing migration" {
		t.Fatalf("standalone = %q", plan.Standalone)
	}
	if len(plan.Alternates) != maxAlternates {
		t.Fatalf("alternates = %v, want %d entries", plan.Alternates, maxAlternates)
	}
}

func TestRewriteEmptyStandaloneFallsBackToQuery(t *testing.T) {
	gen := &testutil.Generator{Responses: []string{`{"standalone": "   ", "alternates": []}`}}
	rw := NewRewriter(gen, nil)

	plan := rw.Rewrite(context.Background(), "original question", nil, "", nil)
	if plan.Standalone != "original question" {
		t.Fatalf("standalone = %q, want the original query", plan.Standalone)
	}
}

func TestRewriteFallbackOnProviderFailure(t *testing.T) {
	gen := &testutil.Generator{Err: errors.New("quota exceeded")}
	rw := NewRewriter(gen, nil)

	history := []Turn{
		{Role: RoleUser, Text: "first question about capacitors"},
		{Role: RoleModel, Text: "an answer"},
		{Role: RoleUser, Text: "  second question about resistors  "},
		{Role: RoleModel, Text: "another answer"},
	}
	plan := rw.Rewrite(context.Background(), "and inductors?", history, "", nil)

	want := "first question about capacitors second question about resistors"
	if plan.Standalone != want {
		t.Fatalf("standalone = %q, want %q", plan.Standalone, want)
	}
	if len(plan.Alternates) != 0 {
		t.Fatalf("alternates = %v, want none on fallback", plan.Alternates)
	}
}

func TestRewriteFallbackWithoutHistory(t *testing.T) {
	rw := NewRewriter(&testutil.Generator{Err: errors.New("down")}, nil)

	plan := rw.Rewrite(context.Background(), "standalone already", nil, "", nil)
	if plan.Standalone != "standalone already" {
		t.Fatalf("standalone = %q, want the original query", plan.Standalone)
	}
}

func TestRewritePromptCarriesContext(t *testing.T) {
	gen := &testutil.Generator{Responses: []string{`{"standalone": "q", "alternates": []}`}}
	rw := NewRewriter(gen, nil)

	history := []Turn{{Role: RoleUser, Text: "remember the runbook"}}
	rw.Rewrite(context.Background(), "next", history, "prefers terse answers", sampleDigests())

	prompt := gen.Prompts[0]
	for _, want := range []string{"remember the runbook", "prefers terse answers", "Migration Runbook.md"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
