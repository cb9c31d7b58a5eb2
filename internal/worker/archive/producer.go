// Package archive produces compressed archive streams from project file
// trees. The Producer interface is the contract the worker pipeline consumes;
// ZipProducer is the filesystem-backed implementation.
package archive

import (
	"context"
	"io"
)

// Metadata describes the tree behind a produced stream. EstimatedSize is the
// total uncompressed byte count of the included files; the compressed size is
// unknown until the stream has been drained.
type Metadata struct {
	TotalFiles    int64
	EstimatedSize int64
}

// ProgressUpdate is delivered synchronously from the producing flow, one per
// archived file. Handlers must not block: the stream does not advance while
// a handler runs.
type ProgressUpdate struct {
	FilesScanned int64
	BytesRead    int64
	CurrentFile  string
}

// Options filter and instrument a single Produce call.
type Options struct {
	// Exclude lists path segments to skip anywhere in the tree, e.g.
	// "node_modules". Merged with DefaultExcludes unless NoDefaultExcludes.
	Exclude []string

	// NoDefaultExcludes disables the built-in exclude list.
	NoDefaultExcludes bool

	// MaxFileSize skips files larger than this many bytes; 0 means no limit.
	MaxFileSize int64

	// OnProgress, when set, receives one update per archived file.
	OnProgress func(ProgressUpdate)
}

// Result is a single-use, lazily produced archive stream. The stream must be
// drained to EOF or closed; closing it aborts production.
type Result struct {
	Stream   io.ReadCloser
	Metadata Metadata
}

// Producer turns a project root into a compressed archive stream.
type Producer interface {
	Produce(ctx context.Context, root string, opts Options) (*Result, error)
}
