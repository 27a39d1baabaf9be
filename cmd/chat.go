package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/farzinnasiri/the-council-sub000/internal/app"
)

func newChatCmd() *cobra.Command {
	var memoryHint string

	cmd := &cobra.Command{
		Use:   "chat <query>",
		Short: "Run the retrieval pipeline for one chat turn",
		Long: `Runs gate, query rewrite and evidence retrieval for a single query and
prints the gate decision, the query plan and the evidence pack that would be
handed to answer generation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			query := strings.Join(args, " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return runChatTurn(ctx, a, query, memoryHint)
			})
		},
	}

	cmd.Flags().StringVar(&memoryHint, "memory-hint", "", "member memory hint for query rewriting")
	return cmd
}

func runChatTurn(ctx context.Context, a *app.App, query, memoryHint string) error {
	res, err := a.Engine.Chat(ctx, ownerID, query, nil, memoryHint)
	if err != nil {
		return err
	}

	fmt.Printf("Gate: use_kb=%t reason=%s mode=%s\n",
		res.Gate.UseKnowledgeBase, res.Gate.Reason, res.Gate.Mode)
	if len(res.Gate.MatchedTerms) > 0 {
		fmt.Printf("Matched terms: %s\n", strings.Join(res.Gate.MatchedTerms, ", "))
	}
	fmt.Printf("Standalone query: %s\n", res.Plan.Standalone)
	for i, alt := range res.Plan.Alternates {
		fmt.Printf("Alternate %d: %s\n", i+1, alt)
	}
	fmt.Printf("Grounded: %t\n\n", res.Grounded)
	fmt.Println(res.Pack)
	return nil
}
