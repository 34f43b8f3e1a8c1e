// Package archive builds and reads the compressed containers that hold a
// backup run's file set. Two container formats are supported, ZIP and
// gzip-compressed TAR; both are written as streams so archiving a tree never
// loads it into memory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scrypster/syncvault/pkg/types"
)

// copyChunk is the read size used when streaming file content into the
// container.
const copyChunk = 1 << 20

// Builder writes backup archives. The writer is single-threaded per archive:
// neither container format tolerates interleaved writes from concurrent
// streams.
type Builder struct {
	format  types.CompressionFormat
	limiter *rate.Limiter // nil means unthrottled
}

// CreateResult reports what an archive build produced. Archived lists the
// entries actually written in container order; Warnings lists source files
// that vanished or became unreadable between enumeration and archiving and
// were therefore left out.
type CreateResult struct {
	// Archived are the entries written into the container.
	Archived []*types.SourceEntry

	// TotalBytes is the total uncompressed content size.
	TotalBytes int64

	// Warnings reports entries skipped because their source could not be
	// opened.
	Warnings []types.Warning
}

// NewBuilder creates a Builder for the given container format.
// throttleBytesPerSec <= 0 disables read throttling.
func NewBuilder(format types.CompressionFormat, throttleBytesPerSec int64) (*Builder, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("archive: unsupported format %q", format)
	}
	var limiter *rate.Limiter
	if throttleBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(throttleBytesPerSec), copyChunk)
	}
	return &Builder{format: format, limiter: limiter}, nil
}

// Create streams entries into a new archive at outputPath. Entries are
// written in slice order, so a sorted plan yields a deterministic,
// byte-comparable archive for identical inputs.
//
// A source file that cannot be opened anymore (deleted or made unreadable
// after enumeration) does not fail the build: it is skipped, dropped from
// the archived set, and reported in the result's warnings. Destination-side
// failures and read errors partway through a file's content still abort the
// whole build, since the container would otherwise be corrupt.
//
// Construction is atomic from the caller's perspective: content is written
// to a temporary file next to outputPath and renamed into place only after
// the stream is fully flushed and synced. Any failure, including context
// cancellation, removes the temporary file and leaves nothing at outputPath.
func (b *Builder) Create(ctx context.Context, entries []*types.SourceEntry, outputPath string) (*CreateResult, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: create destination directory: %v: %w", err, types.ErrArchiveWrite)
	}

	tmpPath := outputPath + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: create temporary file: %v: %w", err, types.ErrArchiveWrite)
	}

	result, err := b.write(ctx, entries, f)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("archive: write %s: %v: %w", outputPath, err, types.ErrArchiveWrite)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("archive: finalize %s: %v: %w", outputPath, err, types.ErrArchiveWrite)
	}

	return result, nil
}

func (b *Builder) write(ctx context.Context, entries []*types.SourceEntry, w io.Writer) (*CreateResult, error) {
	if b.format == types.CompressionZip {
		return b.writeZip(ctx, entries, w)
	}
	return b.writeTarGz(ctx, entries, w)
}

func (b *Builder) writeZip(ctx context.Context, entries []*types.SourceEntry, w io.Writer) (*CreateResult, error) {
	zw := zip.NewWriter(w)
	result := &CreateResult{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header := &zip.FileHeader{
			Name:     entry.RelPath,
			Method:   zip.Deflate,
			Modified: entry.ModTime,
		}

		switch entry.Kind {
		case types.KindDir:
			header.Name += "/"
			header.Method = zip.Store
			header.SetMode(fs.ModeDir | entry.Mode.Perm())
			if _, err := zw.CreateHeader(header); err != nil {
				return nil, err
			}

		case types.KindSymlink:
			header.Method = zip.Store
			header.SetMode(fs.ModeSymlink | entry.Mode.Perm())
			ew, err := zw.CreateHeader(header)
			if err != nil {
				return nil, err
			}
			if _, err := ew.Write([]byte(entry.LinkTarget)); err != nil {
				return nil, err
			}

		case types.KindFile:
			f, err := os.Open(entry.Path)
			if err != nil {
				// Gone or unreadable since enumeration; the run carries the
				// warning and goes on.
				result.Warnings = append(result.Warnings, types.Warning{Path: entry.Path, Message: err.Error()})
				continue
			}
			header.SetMode(entry.Mode.Perm())
			ew, cerr := zw.CreateHeader(header)
			if cerr != nil {
				f.Close()
				return nil, cerr
			}
			n, cerr := b.copyContent(ctx, ew, f, entry)
			f.Close()
			if cerr != nil {
				return nil, cerr
			}
			result.TotalBytes += n
		}

		result.Archived = append(result.Archived, entry)
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Builder) writeTarGz(ctx context.Context, entries []*types.SourceEntry, w io.Writer) (*CreateResult, error) {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	result := &CreateResult{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header := &tar.Header{
			Name:    entry.RelPath,
			Mode:    int64(entry.Mode.Perm()),
			ModTime: entry.ModTime,
		}

		switch entry.Kind {
		case types.KindDir:
			header.Typeflag = tar.TypeDir
			header.Name += "/"
			if err := tw.WriteHeader(header); err != nil {
				return nil, err
			}

		case types.KindSymlink:
			header.Typeflag = tar.TypeSymlink
			header.Linkname = entry.LinkTarget
			if err := tw.WriteHeader(header); err != nil {
				return nil, err
			}

		case types.KindFile:
			// Open before the header goes out: once the header is written
			// the stream is committed to entry.Size content bytes.
			f, err := os.Open(entry.Path)
			if err != nil {
				result.Warnings = append(result.Warnings, types.Warning{Path: entry.Path, Message: err.Error()})
				continue
			}
			header.Typeflag = tar.TypeReg
			header.Size = entry.Size
			if werr := tw.WriteHeader(header); werr != nil {
				f.Close()
				return nil, werr
			}
			n, cerr := b.copyContent(ctx, tw, f, entry)
			f.Close()
			if cerr != nil {
				return nil, cerr
			}
			result.TotalBytes += n
		}

		result.Archived = append(result.Archived, entry)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

// copyContent streams exactly entry.Size bytes of the opened source file
// into the container. The size was fixed when the entry was enumerated; a
// file that shrank since then fails the build rather than corrupting the
// container.
func (b *Builder) copyContent(ctx context.Context, w io.Writer, f *os.File, entry *types.SourceEntry) (int64, error) {
	var written int64
	buf := make([]byte, copyChunk)
	for written < entry.Size {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		want := entry.Size - written
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := io.ReadFull(f, buf[:want])
		if n > 0 {
			if b.limiter != nil {
				if err := b.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err != nil {
			return written, fmt.Errorf("read %s: %w", entry.Path, err)
		}
	}

	return written, nil
}
