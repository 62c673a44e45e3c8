package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gamma-omg/pivot-rag/readers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSchema() docstore.Schema {
	s := docstore.DefaultSchema()
	s.Dimension = testDim
	return s
}

// fakeEmbedder maps every text onto one of testDim unit vectors.
type fakeEmbedder struct {
	failOn string
	calls  atomic.Int32
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, errors.New("embedding backend failed")
		}
		v := make([]float32, testDim)
		v[utf8.RuneCountInString(t)%testDim] = 1
		out[i] = v
	}

	return out, nil
}

func newTestRegistry(store docstore.Store, embedder *fakeEmbedder) *DocRegistry {
	return &DocRegistry{
		log:               testLogger(),
		store:             store,
		schema:            testSchema(),
		embedder:          embedder,
		extractor:         readers.NewNormalizer(testLogger()),
		chunkifier:        &ParagraphChunkifier{ChunkSize: 2048, Overlap: 200},
		placeholders:      DefaultPlaceholderFilter(),
		defaultCollection: "default",
		workers:           2,
		mergeEventsDelay:  20 * time.Millisecond,
		now:               func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func longText(paragraphs int) string {
	out := make([]string, paragraphs)
	for i := range out {
		out[i] = paragraph(i, 99)
	}
	return strings.Join(out, "\n\n")
}

func Test_IngestFile_LongDocument(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", longText(50))

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})

	out := reg.IngestFile(context.Background(), root, path, "")
	require.Equal(t, StatusIngested, out.Status, out.Error)
	assert.Equal(t, 3, out.Chunks)

	sourceID := SourceIDFor(root, path)
	assert.Equal(t, sourceID, out.SourceID)

	rows := store.Rows(sourceID, "default")
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i, r.ChunkIndex)
		assert.Equal(t, "notes.txt", r.SourcePath)
		assert.Equal(t, "text/plain", r.MimeType)
		assert.Equal(t, TitleLine(sourceID, root, path), r.DocTitle)
		assert.Equal(t, ContentHash(r.Text), r.Hash)
		assert.Equal(t, int64(1700000000), r.CreatedAt)
		assert.LessOrEqual(t, utf8.RuneCountInString(r.Text), 2048)
	}
	assert.True(t, strings.HasPrefix(rows[0].Text, "SOURCE ID: "+sourceID))
	prev := rows[0].Text
	assert.True(t, strings.HasPrefix(rows[1].Text, prev[len(prev)-200:]))
}

func Test_IngestFile_Idempotent(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", longText(50))

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})
	ctx := context.Background()

	for range 3 {
		out := reg.IngestFile(ctx, root, path, "")
		require.Equal(t, StatusIngested, out.Status)
	}

	assert.Len(t, store.Rows(SourceIDFor(root, path), "default"), 3)
}

func Test_IngestFile_ConcurrentSameSource(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", longText(50))

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.IngestFile(context.Background(), root, path, "")
		}()
	}
	wg.Wait()

	assert.Len(t, store.Rows(SourceIDFor(root, path), "default"), 3)
}

func Test_IngestFile_ShrinkToNothing(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", "some meaningful content")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})
	ctx := context.Background()

	require.Equal(t, StatusIngested, reg.IngestFile(ctx, root, path, "").Status)
	require.Len(t, store.Rows(SourceIDFor(root, path), "default"), 1)

	writeFile(t, root, "notes.txt", "  \n\n  ")
	out := reg.IngestFile(ctx, root, path, "")
	assert.Equal(t, StatusSkippedEmpty, out.Status)
	assert.True(t, out.Status.Skipped())
	assert.Empty(t, store.Rows(SourceIDFor(root, path), "default"))
}

func Test_IngestFile_JsonBelowFloor(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "posts.json", `[{"date": "2024-01-01", "text": "short text"}]`)

	embedder := &fakeEmbedder{}
	reg := newTestRegistry(docstore.NewMemoryStore(testSchema()), embedder)

	out := reg.IngestFile(context.Background(), root, path, "")
	assert.Equal(t, StatusSkippedEmpty, out.Status)
	assert.Equal(t, int32(0), embedder.calls.Load())
}

func Test_IngestFile_PlaceholderOnly(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "posts.json", `[{"text": "twenty one characters"}]`)

	reg := newTestRegistry(docstore.NewMemoryStore(testSchema()), &fakeEmbedder{})

	out := reg.IngestFile(context.Background(), root, path, "")
	assert.Equal(t, StatusSkippedEmpty, out.Status)
}

func Test_IngestFile_SameContentDistinctSources(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a/x.txt", "identical body of text")
	b := writeFile(t, root, "b/x.txt", "identical body of text")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})
	ctx := context.Background()

	outA := reg.IngestFile(ctx, root, a, "")
	outB := reg.IngestFile(ctx, root, b, "")
	require.NotEqual(t, outA.SourceID, outB.SourceID)

	require.NoError(t, reg.DeleteSource(ctx, outA.SourceID, ""))
	assert.Empty(t, store.Rows(outA.SourceID, "default"))
	assert.Len(t, store.Rows(outB.SourceID, "default"), 1)
}

func Test_IngestFile_Collections(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", "shared document body")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})
	ctx := context.Background()

	reg.IngestFile(ctx, root, path, "c1")
	reg.IngestFile(ctx, root, path, "c2")

	id := SourceIDFor(root, path)
	require.NoError(t, reg.DeleteSource(ctx, id, "c1"))
	assert.Empty(t, store.Rows(id, "c1"))
	assert.Len(t, store.Rows(id, "c2"), 1)
	assert.Empty(t, store.Rows(id, "default"))
}

func Test_IngestFile_Truncation(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "long.txt", strings.Repeat("y", 1000))

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})
	reg.schema.TextMax = 150

	out := reg.IngestFile(context.Background(), root, path, "")
	require.Equal(t, StatusIngested, out.Status)
	assert.Equal(t, 1, out.Truncated)

	rows := store.Rows(out.SourceID, "default")
	require.Len(t, rows, 1)
	assert.Equal(t, 150, utf8.RuneCountInString(rows[0].Text))
}

func Test_IngestFile_EmbedFailureKeepsRows(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", "first version of the file")

	store := docstore.NewMemoryStore(testSchema())
	embedder := &fakeEmbedder{}
	reg := newTestRegistry(store, embedder)
	ctx := context.Background()

	require.Equal(t, StatusIngested, reg.IngestFile(ctx, root, path, "").Status)

	writeFile(t, root, "notes.txt", "second version FAIL")
	embedder.failOn = "FAIL"
	out := reg.IngestFile(ctx, root, path, "")
	assert.Equal(t, StatusError, out.Status)
	assert.Contains(t, out.Error, "failed to embed chunks")

	rows := store.Rows(out.SourceID, "default")
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Text, "first version")
}

func Test_IngestDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "top.txt", "top level document text")
	writeFile(t, root, "nested/deep/inner.txt", "nested document text")
	writeFile(t, root, "nested/broken.txt", "this one will FAIL to embed")
	writeFile(t, root, "nested/empty.txt", "   ")
	writeFile(t, root, "skip.csv", "a,b\nc,d\n")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{failOn: "FAIL"})

	outcomes, err := reg.IngestDirectory(context.Background(), root, "**/*.txt", "")
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	var files []string
	status := map[string]IngestStatus{}
	for _, o := range outcomes {
		rel := RelativePath(root, o.File)
		files = append(files, rel)
		status[rel] = o.Status
	}

	assert.Equal(t, []string{"nested/broken.txt", "nested/deep/inner.txt", "nested/empty.txt", "top.txt"}, files)
	assert.Equal(t, StatusError, status["nested/broken.txt"])
	assert.Equal(t, StatusIngested, status["nested/deep/inner.txt"])
	assert.Equal(t, StatusSkippedEmpty, status["nested/empty.txt"])
	assert.Equal(t, StatusIngested, status["top.txt"])

	summary := summarize(outcomes)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Ingested)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Errors, 1)
}

func Test_IngestDirectory_Errors(t *testing.T) {
	root := t.TempDir()
	file := writeFile(t, root, "file.txt", "content")
	reg := newTestRegistry(docstore.NewMemoryStore(testSchema()), &fakeEmbedder{})
	ctx := context.Background()

	_, err := reg.IngestDirectory(ctx, filepath.Join(root, "missing"), "", "")
	assert.Error(t, err)

	_, err = reg.IngestDirectory(ctx, file, "", "")
	assert.Error(t, err)

	_, err = reg.IngestDirectory(ctx, root, "[", "")
	assert.Error(t, err)
}

func Test_CompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"", "a.txt", true},
		{"", "a/b/c.pdf", true},
		{"**/*.txt", "a.txt", true},
		{"**/*.txt", "a/b/c.txt", true},
		{"**/*.txt", "a/b/c.pdf", false},
		{"*.txt", "a.txt", true},
		{"*.txt", "a/b.txt", false},
		{"docs/**", "docs/x/y.md", true},
		{"docs/**", "other/y.md", false},
	}

	for i, tc := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			match, err := compilePattern(tc.pattern)
			require.NoError(t, err)
			assert.Equal(t, tc.want, match(tc.path))
		})
	}
}

func Test_Watch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx, root, ""))

	path := writeFile(t, root, "sub/watched.txt", "watched document body")
	id := SourceIDFor(root, path)

	require.Eventually(t, func() bool {
		return len(store.Rows(id, "default")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return len(store.Rows(id, "default")) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_Watch_RemovedDirectory(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "sub/a.txt", "first document body")
	b := writeFile(t, root, "sub/deeper/b.txt", "second document body")
	keep := writeFile(t, root, "keep.txt", "kept document body")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.IngestDirectory(ctx, root, "", "")
	require.NoError(t, err)
	for _, p := range []string{a, b, keep} {
		require.Len(t, store.Rows(SourceIDFor(root, p), "default"), 1)
	}

	require.NoError(t, reg.Watch(ctx, root, ""))
	require.NoError(t, os.Rename(filepath.Join(root, "sub"), filepath.Join(t.TempDir(), "moved")))

	require.Eventually(t, func() bool {
		return len(store.Rows(SourceIDFor(root, a), "default")) == 0 &&
			len(store.Rows(SourceIDFor(root, b), "default")) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, store.Rows(SourceIDFor(root, keep), "default"), 1)
}

func Test_Watch_MovedInDirectory(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "incoming/new.txt", "arrived document body")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx, root, ""))

	require.NoError(t, os.Rename(filepath.Join(outside, "incoming"), filepath.Join(root, "incoming")))
	id := SourceIDFor(root, filepath.Join(root, "incoming", "new.txt"))

	require.Eventually(t, func() bool {
		return len(store.Rows(id, "default")) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_FileSet_Take(t *testing.T) {
	dir := filepath.Join("docs", "sub")
	s := newFileSet([]string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "x", "b.txt"),
		filepath.Join("docs", "subway.txt"),
	})
	s.add(filepath.Join("docs", "top.txt"))

	assert.Equal(t, []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "x", "b.txt")}, s.take(dir))
	assert.Empty(t, s.take(dir))
	assert.Equal(t, []string{filepath.Join("docs", "top.txt")}, s.take(filepath.Join("docs", "top.txt")))
	assert.Equal(t, []string{filepath.Join("docs", "subway.txt")}, s.take("docs"))
}

func Test_Forget(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "notes.txt", "some document body")

	store := docstore.NewMemoryStore(testSchema())
	reg := newTestRegistry(store, &fakeEmbedder{})
	ctx := context.Background()

	require.Equal(t, StatusIngested, reg.IngestFile(ctx, root, path, "").Status)
	require.NoError(t, reg.Forget(ctx, root, path, ""))
	assert.Empty(t, store.Rows(SourceIDFor(root, path), "default"))
}
