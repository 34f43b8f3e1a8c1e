package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scrypster/syncvault/pkg/types"
)

// WriteError reports a destination write failure during extraction,
// identifying the relative path that could not be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("archive: write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return types.ErrDestinationWrite }

// Validate confirms the archive at path can be opened and that every entry
// header in it is readable. It reads no content into the destination; restore
// pre-flight runs it over every chain member before touching any files.
func Validate(path string, format types.CompressionFormat) error {
	switch format {
	case types.CompressionZip:
		r, err := zip.OpenReader(path)
		if err != nil {
			return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
		}
		defer r.Close()
		for _, f := range r.File {
			if _, err := entryPath(f.Name); err != nil {
				return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
			}
		}
		return nil

	case types.CompressionTarGz:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
		}
		defer f.Close()

		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
		}
		defer gz.Close()

		tr := tar.NewReader(gz)
		for {
			header, err := tr.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
			}
			if _, err := entryPath(header.Name); err != nil {
				return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
			}
		}

	default:
		return fmt.Errorf("archive: %s: unsupported format %q: %w", path, format, types.ErrArchiveUnreadable)
	}
}

// Extract replays every entry of the archive into destRoot, overwriting any
// existing object at the same relative path. Entries are applied in container
// order; onWritten is called after each successful write so the caller can
// report progress and, on failure, the list of paths restored so far.
func Extract(ctx context.Context, path string, format types.CompressionFormat, destRoot string, onWritten func(rel string)) error {
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return &WriteError{Path: ".", Err: err}
	}

	if format == types.CompressionZip {
		return extractZip(ctx, path, destRoot, onWritten)
	}
	return extractTarGz(ctx, path, destRoot, onWritten)
}

func extractZip(ctx context.Context, path, destRoot string, onWritten func(rel string)) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := entryPath(f.Name)
		if err != nil {
			return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := writeDir(destRoot, rel, mode.Perm()); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			target, err := readAll(f)
			if err != nil {
				return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
			}
			if err := writeSymlink(destRoot, rel, string(target)); err != nil {
				return err
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
			}
			err = writeFile(destRoot, rel, mode.Perm(), f.Modified, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}

		if onWritten != nil {
			onWritten(rel)
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, path, destRoot string, onWritten func(rel string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
		}

		rel, err := entryPath(header.Name)
		if err != nil {
			return fmt.Errorf("archive: %s: %v: %w", path, err, types.ErrArchiveUnreadable)
		}

		mode := fs.FileMode(header.Mode).Perm()
		switch header.Typeflag {
		case tar.TypeDir:
			if err := writeDir(destRoot, rel, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(destRoot, rel, header.Linkname); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(destRoot, rel, mode, header.ModTime, tr); err != nil {
				return err
			}
		default:
			continue
		}

		if onWritten != nil {
			onWritten(rel)
		}
	}
}

// entryPath validates an archive member name and returns its cleaned
// relative path. Absolute names and names escaping the destination root are
// rejected so a crafted archive cannot write outside the restore tree.
func entryPath(name string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSuffix(name, "/")))
	if rel == "." || rel == "" {
		return "", fmt.Errorf("empty entry name %q", name)
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry name %q escapes destination", name)
	}
	return rel, nil
}

func writeDir(destRoot, rel string, perm fs.FileMode) error {
	path := filepath.Join(destRoot, rel)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &WriteError{Path: rel, Err: err}
	}
	if err := os.Chmod(path, perm); err != nil {
		return &WriteError{Path: rel, Err: err}
	}
	return nil
}

func writeSymlink(destRoot, rel, target string) error {
	path := filepath.Join(destRoot, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: rel, Err: err}
	}
	// Recreate the link, never follow it: removing first also replaces an
	// existing file or stale link at the same path.
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &WriteError{Path: rel, Err: err}
	}
	if err := os.Symlink(target, path); err != nil {
		return &WriteError{Path: rel, Err: err}
	}
	return nil
}

func writeFile(destRoot, rel string, perm fs.FileMode, modTime time.Time, r io.Reader) error {
	path := filepath.Join(destRoot, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: rel, Err: err}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return &WriteError{Path: rel, Err: err}
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &WriteError{Path: rel, Err: err}
	}

	// The file may pre-date this restore with different permissions, and
	// umask can mask the create mode.
	if err := os.Chmod(path, perm); err != nil {
		return &WriteError{Path: rel, Err: err}
	}
	if !modTime.IsZero() {
		_ = os.Chtimes(path, modTime, modTime)
	}
	return nil
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
