package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/forgestack/exportpipe/internal/logging"
)

// DefaultExcludes are path segments skipped in every scan unless the caller
// opts out.
var DefaultExcludes = []string{".git", "node_modules", ".DS_Store"}

// ZipProducer streams a deflate-compressed zip of a directory tree.
type ZipProducer struct {
	log logging.Logger
}

func NewZipProducer(log logging.Logger) *ZipProducer {
	return &ZipProducer{log: log.With("module", "zip_producer")}
}

type fileEntry struct {
	rel  string
	abs  string
	info fs.FileInfo
}

// Produce scans root up front (for metadata), then streams the archive
// through a pipe. The write side runs in its own goroutine and advances only
// as fast as the returned stream is read, so a slow consumer applies
// backpressure all the way to the file reads.
func (p *ZipProducer) Produce(ctx context.Context, root string, opts Options) (*Result, error) {
	excluded := excludeSet(opts)

	var entries []fileEntry
	var totalSize int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if _, skip := excluded[d.Name()]; skip {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
			p.log.Warn(ctx, "skipping oversized file", "path", path, "size", info.Size())
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		entries = append(entries, fileEntry{rel: rel, abs: path, info: info})
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	pr, pw := io.Pipe()
	go p.write(ctx, pw, entries, opts)

	return &Result{
		Stream: pr,
		Metadata: Metadata{
			TotalFiles:    int64(len(entries)),
			EstimatedSize: totalSize,
		},
	}, nil
}

func (p *ZipProducer) write(ctx context.Context, pw *io.PipeWriter, entries []fileEntry, opts Options) {
	zw := zip.NewWriter(pw)

	var filesScanned, bytesRead int64

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			_ = pw.CloseWithError(err)
			return
		}

		hdr := &zip.FileHeader{
			Name:     filepath.ToSlash(e.rel),
			Method:   zip.Deflate,
			Modified: e.info.ModTime(),
		}

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("zip header %s: %w", e.rel, err))
			return
		}

		f, err := os.Open(e.abs)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("open %s: %w", e.abs, err))
			return
		}

		n, err := io.Copy(w, f)
		_ = f.Close()
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("archive %s: %w", e.rel, err))
			return
		}

		filesScanned++
		bytesRead += n

		if opts.OnProgress != nil {
			opts.OnProgress(ProgressUpdate{
				FilesScanned: filesScanned,
				BytesRead:    bytesRead,
				CurrentFile:  e.rel,
			})
		}
	}

	if err := zw.Close(); err != nil {
		_ = pw.CloseWithError(fmt.Errorf("finalize zip: %w", err))
		return
	}

	_ = pw.Close()
}

func excludeSet(opts Options) map[string]struct{} {
	set := make(map[string]struct{})
	if !opts.NoDefaultExcludes {
		for _, name := range DefaultExcludes {
			set[name] = struct{}{}
		}
	}
	for _, name := range opts.Exclude {
		set[name] = struct{}{}
	}
	return set
}
