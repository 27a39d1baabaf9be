package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farzinnasiri/the-council-sub000/internal/app"
)

func newDigestsCmd() *cobra.Command {
	digestsCmd := &cobra.Command{
		Use:   "digests",
		Short: "Manage document digests",
	}

	digestsCmd.AddCommand(newDigestsRebuildCmd())
	return digestsCmd
}

func newDigestsRebuildCmd() *cobra.Command {
	var persona string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate the digest of every active document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.RebuildDigests(ctx, ownerID, persona)
				if err != nil {
					return err
				}
				fmt.Printf("Rebuilt %d digest(s), skipped %d.\n", report.Rebuilt, report.Skipped)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&persona, "persona", "", "persona hint fed into digest generation")
	return cmd
}
