package cmd

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/farzinnasiri/the-council-sub000/internal/app"
	"github.com/farzinnasiri/the-council-sub000/internal/engine"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

func newUploadCmd() *cobra.Command {
	var (
		dir     string
		persona string
	)

	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Upload and index documents into the owner's knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			if dir == "" && len(args) == 0 {
				return fmt.Errorf("provide file paths or --dir")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return runUpload(ctx, a, args, dir, persona)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "upload every file in a directory (honors its .gitignore)")
	cmd.Flags().StringVar(&persona, "persona", "", "persona hint fed into digest generation")
	return cmd
}

func runUpload(ctx context.Context, a *app.App, paths []string, dir, persona string) error {
	opts := engine.UploadOptions{PersonaHint: persona}

	var (
		report *engine.UploadReport
		err    error
	)
	if dir != "" {
		report, err = a.Engine.UploadDirectory(ctx, ownerID, dir, opts)
	} else {
		var files []engine.File
		for _, path := range paths {
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return fmt.Errorf("reading %s: %w", path, rerr)
			}
			files = append(files, engine.File{
				Name:     filepath.Base(path),
				Data:     data,
				MimeType: mime.TypeByExtension(filepath.Ext(path)),
			})
		}
		report, err = a.Engine.UploadDocuments(ctx, ownerID, files, opts)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Store: %s\n", report.StoreRef)
	for _, o := range report.Outcomes {
		switch o.Status {
		case metadata.UploadIngested:
			fmt.Printf("  %-40s indexed (%d chunks, ref %s)\n", o.DisplayName, o.ChunkCount, o.Ref)
		case metadata.UploadSkipped:
			fmt.Printf("  %-40s skipped (duplicate)\n", o.DisplayName)
		default:
			fmt.Printf("  %-40s failed: %s\n", o.DisplayName, o.Err)
		}
	}
	return nil
}
