package archive

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgestack/exportpipe/internal/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func readArchive(t *testing.T, stream io.ReadCloser) map[string]string {
	t.Helper()
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(content)
	}
	return out
}

func TestZipProducer_ArchivesTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":        "package main",
		"pkg/util.go":    "package pkg",
		"assets/app.css": "body{}",
	})

	p := NewZipProducer(testLogger())
	res, err := p.Produce(context.Background(), root, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Metadata.TotalFiles)
	assert.Equal(t, int64(len("package main")+len("package pkg")+len("body{}")), res.Metadata.EstimatedSize)

	got := readArchive(t, res.Stream)
	assert.Equal(t, map[string]string{
		"main.go":        "package main",
		"pkg/util.go":    "package pkg",
		"assets/app.css": "body{}",
	}, got)
}

func TestZipProducer_DefaultExcludes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":                   "package main",
		"node_modules/x/index.js":   "x",
		".git/HEAD":                 "ref",
		"vendor/kept/file.go":       "package kept",
	})

	p := NewZipProducer(testLogger())
	res, err := p.Produce(context.Background(), root, Options{})
	require.NoError(t, err)

	got := readArchive(t, res.Stream)
	assert.Contains(t, got, "main.go")
	assert.Contains(t, got, "vendor/kept/file.go")
	assert.NotContains(t, got, "node_modules/x/index.js")
	assert.NotContains(t, got, ".git/HEAD")
}

func TestZipProducer_CustomExcludeAndMaxFileSize(t *testing.T) {
	root := writeTree(t, map[string]string{
		"small.txt":      "ok",
		"big.bin":        "0123456789abcdef",
		"dist/bundle.js": "bundled",
	})

	p := NewZipProducer(testLogger())
	res, err := p.Produce(context.Background(), root, Options{
		Exclude:     []string{"dist"},
		MaxFileSize: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Metadata.TotalFiles)

	got := readArchive(t, res.Stream)
	assert.Equal(t, map[string]string{"small.txt": "ok"}, got)
}

func TestZipProducer_ProgressCallbacks(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbbb",
	})

	var updates []ProgressUpdate
	p := NewZipProducer(testLogger())
	res, err := p.Produce(context.Background(), root, Options{
		OnProgress: func(u ProgressUpdate) { updates = append(updates, u) },
	})
	require.NoError(t, err)

	_ = readArchive(t, res.Stream)

	require.Len(t, updates, 2)
	assert.Equal(t, int64(1), updates[0].FilesScanned)
	assert.Equal(t, int64(2), updates[1].FilesScanned)
	assert.Equal(t, int64(7), updates[1].BytesRead)
}

func TestZipProducer_CloseAbortsProduction(t *testing.T) {
	files := make(map[string]string, 200)
	for i := 0; i < 200; i++ {
		files[filepath.Join("dir", "f"+string(rune('a'+i%26))+string(rune('a'+i/26)))+".txt"] = "content content content"
	}
	root := writeTree(t, files)

	p := NewZipProducer(testLogger())
	res, err := p.Produce(context.Background(), root, Options{})
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, err = res.Stream.Read(buf)
	require.NoError(t, err)

	// closing the read side must stop the writer goroutine
	require.NoError(t, res.Stream.Close())

	_, err = res.Stream.Read(buf)
	assert.Error(t, err)
}

func TestZipProducer_ContextCancellation(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "aaa", "b.txt": "bbb"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewZipProducer(testLogger())
	res, err := p.Produce(ctx, root, Options{})
	require.NoError(t, err)

	_, err = io.ReadAll(res.Stream)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZipProducer_EmptyTree(t *testing.T) {
	p := NewZipProducer(testLogger())
	res, err := p.Produce(context.Background(), t.TempDir(), Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Metadata.TotalFiles)

	got := readArchive(t, res.Stream)
	assert.Empty(t, got)
}
