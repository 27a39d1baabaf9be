package engine

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// maxDirectoryFileBytes skips files too large to be worth staging from a
// bulk directory walk.
const maxDirectoryFileBytes = 10 * 1024 * 1024

// UploadDirectory walks a local directory and uploads every regular file,
// honoring the directory's .gitignore when present. Hidden entries and VCS
// metadata are always skipped.
func (e *Engine) UploadDirectory(ctx context.Context, ownerID, dir string, opts UploadOptions) (*UploadReport, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving directory: %w", err)
	}

	var matcher *gitignore.GitIgnore
	if ign, err := gitignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		matcher = ign
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}

		base := filepath.Base(path)
		if base[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		if info.Size() > maxDirectoryFileBytes {
			e.logger.Warn("skipping oversized file", "path", rel, "size", info.Size())
			return nil
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("reading %s: %w", rel, rerr)
		}
		files = append(files, File{
			Name:     rel,
			Data:     data,
			MimeType: mime.TypeByExtension(filepath.Ext(path)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: directory %s", ErrNoFiles, dir)
	}
	return e.UploadDocuments(ctx, ownerID, files, opts)
}
