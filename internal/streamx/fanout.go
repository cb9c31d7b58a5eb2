// Package streamx contains byte-stream plumbing for the export pipeline:
// a fan-out that feeds one reader to several consumers, and a counting
// writer that records exact bytes observed on the wire.
package streamx

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Sink consumes a byte stream until EOF. A sink that returns nil must have
// drained its reader completely.
type Sink func(r io.Reader) error

// FanOut copies src into every sink concurrently and waits for all of them.
//
// Each sink gets its own pipe, so backpressure propagates: the copy advances
// only as fast as the slowest sink accepts bytes. On any failure — in the
// source or in any sink — every pipe is torn down and src is closed if it is
// a Closer, so no branch is ever left dangling with undrained data.
func FanOut(ctx context.Context, src io.Reader, sinks ...Sink) error {
	if len(sinks) == 0 {
		return fmt.Errorf("fanout: no sinks")
	}

	g, gctx := errgroup.WithContext(ctx)

	readers := make([]*io.PipeReader, len(sinks))
	writers := make([]io.Writer, len(sinks))
	pipeWriters := make([]*io.PipeWriter, len(sinks))
	for i := range sinks {
		pr, pw := io.Pipe()
		readers[i] = pr
		writers[i] = pw
		pipeWriters[i] = pw
	}

	closeAll := func(err error) {
		for _, pw := range pipeWriters {
			_ = pw.CloseWithError(err)
		}
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
	}

	// tear everything down as soon as any branch fails or ctx is cancelled
	done := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			closeAll(context.Cause(gctx))
		case <-done:
		}
	}()

	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(writers...), src)
		for _, pw := range pipeWriters {
			_ = pw.CloseWithError(err)
		}
		if err != nil {
			return fmt.Errorf("fanout copy: %w", err)
		}
		return nil
	})

	for i, sink := range sinks {
		g.Go(func() error {
			err := sink(readers[i])
			// unblocks the copier if this sink bailed out early
			_ = readers[i].CloseWithError(err)
			return err
		})
	}

	err := g.Wait()
	close(done)
	return err
}

// CountingWriter counts bytes flowing through Write. Safe for a concurrent
// read of the total while writing continues.
type CountingWriter struct {
	n atomic.Int64
}

func (w *CountingWriter) Write(p []byte) (int, error) {
	w.n.Add(int64(len(p)))
	return len(p), nil
}

// Count returns the bytes written so far.
func (w *CountingWriter) Count() int64 { return w.n.Load() }
