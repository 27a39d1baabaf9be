package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farzinnasiri/the-council-sub000/internal/app"
	"github.com/farzinnasiri/the-council-sub000/internal/retention"
)

func newRetentionCmd() *cobra.Command {
	retentionCmd := &cobra.Command{
		Use:   "retention",
		Short: "Manage the staged-upload retention lifecycle",
	}

	retentionCmd.AddCommand(newRetentionPurgeCmd())
	retentionCmd.AddCommand(newRetentionRehydrateCmd())
	return retentionCmd
}

func newRetentionPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Purge staged uploads past their TTL and delete their blobs",
		Long: `Purges every staged upload whose retention period has elapsed. Without
--owner the purge spans all owners.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				purged, err := a.Engine.PurgeExpired(ctx, ownerID)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d upload(s).\n", purged)
				return nil
			})
		},
	}
}

func newRetentionRehydrateCmd() *cobra.Command {
	var modeFlag string

	cmd := &cobra.Command{
		Use:   "rehydrate",
		Short: "Reindex documents from their original stored blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			mode, err := retention.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.Rehydrate(ctx, ownerID, mode)
				if err != nil {
					return err
				}
				fmt.Printf("Rehydrated %d, skipped %d, failed %d.\n", report.Rehydrated, report.Skipped, report.Failed)
				for _, name := range report.Documents {
					fmt.Printf("  %s\n", name)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&modeFlag, "mode", string(retention.ModeMissingOnly),
		"rehydration mode: missing-only or all")
	return cmd
}
