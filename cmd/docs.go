package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/farzinnasiri/the-council-sub000/internal/app"
)

func newDocsCmd() *cobra.Command {
	docsCmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage the owner's indexed documents",
	}

	docsCmd.AddCommand(newDocsListCmd())
	docsCmd.AddCommand(newDocsDeleteCmd())
	docsCmd.AddCommand(newDocsUploadsCmd())
	return docsCmd
}

func newDocsUploadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uploads",
		Short: "List staged uploads, including failed ingestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				uploads, err := a.Engine.ListUploads(ctx, ownerID)
				if err != nil {
					return err
				}
				if len(uploads) == 0 {
					fmt.Println("No staged uploads.")
					return nil
				}
				for _, u := range uploads {
					line := fmt.Sprintf("%s  %-18s %s", u.ID, u.Status, u.DisplayName)
					if u.IngestError != "" {
						line += "  (" + u.IngestError + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
}

func newDocsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List indexed documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				docs, err := a.Engine.ListDocuments(ctx, ownerID)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					fmt.Println("No documents.")
					return nil
				}
				for _, d := range docs {
					fmt.Printf("%s  %s\n", d.Ref, d.DisplayName)
				}
				return nil
			})
		},
	}
}

func newDocsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-ref>",
		Short: "Delete a document's chunks and retire its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			ref, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document ref %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				remaining, err := a.Engine.DeleteDocument(ctx, ownerID, ref)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted. %d document(s) remaining:\n", len(remaining))
				for _, d := range remaining {
					fmt.Printf("%s  %s\n", d.Ref, d.DisplayName)
				}
				return nil
			})
		},
	}
}
