// Package cmd implements the council command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/farzinnasiri/the-council-sub000/internal/app"
	"github.com/farzinnasiri/the-council-sub000/internal/config"
	"github.com/farzinnasiri/the-council-sub000/internal/log"
)

// ownerID is the member whose knowledge store commands operate on,
// settable via the persistent --owner flag.
var ownerID string

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Council - per-member knowledge base engine",
	Long: `Council manages per-member document knowledge bases: upload and index
documents, manage their retention lifecycle, and run grounded retrieval
for chat turns.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner (member) id")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDocsCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newRetentionCmd())
	rootCmd.AddCommand(newDigestsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// requireOwner validates the --owner flag for owner-scoped commands.
func requireOwner() error {
	if ownerID == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

// withApp bootstraps the application container and runs fn, releasing
// resources afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.NewWithWriter(os.Stderr, log.Config{})
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	return fn(ctx, a)
}
