package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"unicode/utf8"

	"al.essio.dev/pkg/shellescape"
	"github.com/bmatcuk/doublestar/v4"
)

// PutFiles uploads every regular file in fsys matching the doublestar
// pattern to destDir, keeping paths relative to the root of fsys. Text files
// ending in a newline go line by line, everything else as base64. Files with
// any execute bit set stay executable.
//
// A size mismatch does not stop the remaining uploads; the first one is
// returned after all files were tried.
func (u *Uploader) PutFiles(ctx context.Context, fsys fs.FS, pattern, destDir string, fo FileOptions) ([]Report, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	var reports []Report
	var firstErr error
	madeDirs := make(map[string]bool)

	for _, name := range matches {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			return reports, fmt.Errorf("stat %s: %w", name, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return reports, fmt.Errorf("read %s: %w", name, err)
		}

		dest := path.Join(destDir, name)
		if dir := path.Dir(dest); !madeDirs[dir] {
			if _, err := u.driver.Run(ctx, "mkdir -p "+shellescape.Quote(dir), u.opts.CommandTimeout); err != nil {
				return reports, err
			}
			madeDirs[dir] = true
		}

		opts := fo
		opts.Executable = fo.Executable || info.Mode()&0o111 != 0

		var rep Report
		if IsText(data) {
			rep, err = u.WriteText(ctx, string(data), dest, opts)
		} else {
			rep, err = u.WriteBinary(ctx, data, dest, opts)
		}
		reports = append(reports, rep)
		if err != nil {
			if ctx.Err() != nil || !isSoft(err) {
				return reports, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(matches) == 0 {
		slog.Warn("no files matched", slog.String("pattern", pattern))
	}
	return reports, firstErr
}

// IsText reports whether data survives a line-by-line printf unchanged: valid
// UTF-8 without NUL bytes or carriage returns, ending in a newline.
func IsText(data []byte) bool {
	if len(data) == 0 || data[len(data)-1] != '\n' {
		return false
	}
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0 && bytes.IndexByte(data, '\r') < 0
}
