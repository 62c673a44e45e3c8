package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gamma-omg/pivot-rag/inference"
	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"
)

type Extractor interface {
	Extract(path string) []string
}

type Chunkifier interface {
	Chunkify(text, sourceID string) []Chunk
}

type IngestStatus string

const (
	StatusIngested        IngestStatus = "ingested"
	StatusSkippedEmpty    IngestStatus = "skipped-empty"
	StatusSkippedNoChunks IngestStatus = "skipped-no-chunks"
	StatusError           IngestStatus = "error"
)

func (s IngestStatus) Skipped() bool {
	return strings.HasPrefix(string(s), "skipped")
}

type IngestOutcome struct {
	File      string       `json:"file"`
	SourceID  string       `json:"source_id,omitempty"`
	Status    IngestStatus `json:"status"`
	Chunks    int          `json:"chunks,omitempty"`
	Truncated int          `json:"truncated,omitempty"`
	Error     string       `json:"error,omitempty"`
}

const DefaultScanPattern = "**/*"

// DocRegistry turns files into chunk rows and keeps the store in sync with them.
// Rows of one source in one logical collection are always replaced as a unit.
type DocRegistry struct {
	log               *slog.Logger
	store             docstore.Store
	schema            docstore.Schema
	embedder          inference.Embedder
	extractor         Extractor
	chunkifier        Chunkifier
	placeholders      PlaceholderFilter
	defaultCollection string
	workers           int
	mergeEventsDelay  time.Duration
	metrics           *Metrics
	now               func() time.Time

	locks keyedMutex
}

func (dr *DocRegistry) collectionOr(collection string) string {
	if collection == "" {
		return dr.defaultCollection
	}

	return collection
}

// IngestFile replaces the rows of one file. Failures are reported in the outcome.
func (dr *DocRegistry) IngestFile(ctx context.Context, root, path, collection string) IngestOutcome {
	collection = dr.collectionOr(collection)
	out := dr.ingestFile(ctx, root, path, collection)

	log := dr.log.With(
		slog.String("file", path),
		slog.String("source_id", out.SourceID),
		slog.String("logical_collection", collection),
		slog.String("status", string(out.Status)))
	if out.Status == StatusError {
		log.Error("failed to ingest file", slog.String("error", out.Error))
	} else {
		log.Info("file processed", slog.Int("chunks", out.Chunks))
	}
	dr.metrics.RecordIngest(ctx, out, collection)

	return out
}

func (dr *DocRegistry) ingestFile(ctx context.Context, root, path, collection string) IngestOutcome {
	sourceID := SourceIDFor(root, path)
	out := IngestOutcome{File: path, SourceID: sourceID}
	fail := func(err error) IngestOutcome {
		out.Status = StatusError
		out.Error = err.Error()
		return out
	}

	segments := dr.placeholders.Apply(dr.extractor.Extract(path))
	if len(segments) == 0 {
		if err := dr.DeleteSource(ctx, sourceID, collection); err != nil {
			return fail(err)
		}
		out.Status = StatusSkippedEmpty
		return out
	}

	title := TitleLine(sourceID, root, path)
	text := title + "\n\n" + strings.Join(segments, "\n\n")

	chunks := dr.chunkifier.Chunkify(text, sourceID)
	if len(chunks) == 0 {
		if err := dr.DeleteSource(ctx, sourceID, collection); err != nil {
			return fail(err)
		}
		out.Status = StatusSkippedNoChunks
		return out
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		t, cut := docstore.TruncateText(c.Text, dr.schema.TextMax)
		if cut {
			out.Truncated++
			dr.log.Warn("chunk text truncated",
				slog.String("file", path),
				slog.Int("chunk_index", c.Index),
				slog.Int("limit", dr.schema.TextMax))
		}
		texts[i] = t
	}

	vectors, err := dr.embedder.Embed(ctx, texts)
	if err != nil {
		return fail(fmt.Errorf("failed to embed chunks: %w", err))
	}
	if len(vectors) != len(texts) {
		return fail(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts)))
	}

	rel, _ := docstore.TruncateText(RelativePath(root, path), dr.schema.SourcePathMax)
	title, _ = docstore.TruncateText(title, dr.schema.TitleMax)
	mimeType, _ := docstore.TruncateText(GuessMimeType(path), dr.schema.MimeMax)
	created := dr.clock().Unix()

	rows := make([]docstore.Row, len(chunks))
	for i, c := range chunks {
		rows[i] = docstore.Row{
			Vector:     vectors[i],
			SourceID:   sourceID,
			SourcePath: rel,
			DocTitle:   title,
			MimeType:   mimeType,
			ChunkIndex: c.Index,
			CreatedAt:  created,
			Hash:       ContentHash(texts[i]),
			Collection: collection,
			Text:       texts[i],
		}
	}

	if err := dr.replace(ctx, sourceID, collection, rows); err != nil {
		return fail(err)
	}

	out.Status = StatusIngested
	out.Chunks = len(rows)
	return out
}

func (dr *DocRegistry) replace(ctx context.Context, sourceID, collection string, rows []docstore.Row) error {
	unlock := dr.locks.Lock(collection + "\x00" + sourceID)
	defer unlock()

	if r, ok := dr.store.(docstore.Replacer); ok {
		if err := r.Replace(ctx, sourceID, collection, rows); err != nil {
			return fmt.Errorf("failed to replace rows: %w", err)
		}
		return nil
	}

	if err := dr.store.DeleteBySource(ctx, sourceID, collection); err != nil {
		return fmt.Errorf("failed to delete old rows: %w", err)
	}
	if err := dr.store.Upsert(ctx, rows); err != nil {
		return fmt.Errorf("failed to upsert rows: %w", err)
	}

	return nil
}

// DeleteSource removes every row of a source from a logical collection.
func (dr *DocRegistry) DeleteSource(ctx context.Context, sourceID, collection string) error {
	collection = dr.collectionOr(collection)

	unlock := dr.locks.Lock(collection + "\x00" + sourceID)
	defer unlock()

	if err := dr.store.DeleteBySource(ctx, sourceID, collection); err != nil {
		return fmt.Errorf("failed to delete source %s: %w", sourceID, err)
	}

	return nil
}

// Forget removes the rows of a file that no longer exists.
func (dr *DocRegistry) Forget(ctx context.Context, root, path, collection string) error {
	sourceID := SourceIDFor(root, path)
	if err := dr.DeleteSource(ctx, sourceID, collection); err != nil {
		return err
	}

	dr.log.Info("file forgotten",
		slog.String("file", path),
		slog.String("source_id", sourceID),
		slog.String("logical_collection", dr.collectionOr(collection)))
	return nil
}

// IngestDirectory ingests every file under root whose slash separated relative path
// matches pattern. Outcomes are returned in path order; one failing file never stops the scan.
func (dr *DocRegistry) IngestDirectory(ctx context.Context, root, pattern, collection string) ([]IngestOutcome, error) {
	files, err := dr.collectFiles(root, pattern)
	if err != nil {
		return nil, err
	}

	outcomes := make([]IngestOutcome, len(files))
	var g errgroup.Group
	g.SetLimit(max(dr.workers, 1))
	for i, f := range files {
		g.Go(func() error {
			outcomes[i] = dr.IngestFile(ctx, root, f, collection)
			return nil
		})
	}
	g.Wait()

	return outcomes, nil
}

func (dr *DocRegistry) collectFiles(root, pattern string) ([]string, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open base directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("base directory %s is not a directory", root)
	}

	match, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			dr.log.Warn("failed to walk path", slog.String("path", path), slog.Any("error", err))
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if match(filepath.ToSlash(rel)) {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}

// compilePattern compiles a slash separated glob. "**" crosses directories and a
// leading "**/" also matches files directly under the root.
func compilePattern(pattern string) (func(string) bool, error) {
	if pattern == "" {
		pattern = DefaultScanPattern
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	top, ok := strings.CutPrefix(pattern, "**/")
	if !ok {
		return g.Match, nil
	}

	tg, err := glob.Compile(top, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	return func(s string) bool { return g.Match(s) || tg.Match(s) }, nil
}

// Watch keeps the store in sync with root until ctx is done. Bursts of events for one
// file are merged; when they settle the file is re-ingested if it exists and forgotten otherwise.
// A removed directory forgets every file seen under it.
func (dr *DocRegistry) Watch(ctx context.Context, root, collection string) error {
	files, err := dr.collectFiles(root, DefaultScanPattern)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := addWatchTree(w, root); err != nil {
		w.Close()
		return err
	}

	seen := newFileSet(files)
	go dr.watchLoop(ctx, w, root, collection, seen)
	return nil
}

// fileSet holds the files known to a watcher.
type fileSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newFileSet(paths []string) *fileSet {
	s := &fileSet{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		s.paths[p] = struct{}{}
	}

	return s
}

func (s *fileSet) add(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paths[path] = struct{}{}
}

// take removes path and every file below it, returning them in sorted order.
func (s *fileSet) take(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := path + string(filepath.Separator)
	var out []string
	for p := range s.paths {
		if p == path || strings.HasPrefix(p, prefix) {
			out = append(out, p)
			delete(s.paths, p)
		}
	}
	sort.Strings(out)

	return out
}

func addWatchTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (dr *DocRegistry) watchLoop(ctx context.Context, w *fsnotify.Watcher, root, collection string, seen *fileSet) {
	defer w.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()

		if t, ok := pending[path]; ok {
			t.Reset(dr.mergeEventsDelay)
			return
		}
		pending[path] = time.AfterFunc(dr.mergeEventsDelay, func() {
			mu.Lock()
			delete(pending, path)
			mu.Unlock()

			dr.syncPath(ctx, root, path, collection, seen)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					if err := addWatchTree(w, ev.Name); err != nil {
						dr.log.Warn("failed to watch new directory", slog.String("path", ev.Name), slog.Any("error", err))
					}
					// files may land before the watch is in place
					if files, err := dr.collectFiles(ev.Name, DefaultScanPattern); err == nil {
						for _, f := range files {
							schedule(f)
						}
					}
					continue
				}
			}

			schedule(ev.Name)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			dr.log.Error("watcher error", slog.Any("error", err))
		}
	}
}

func (dr *DocRegistry) syncPath(ctx context.Context, root, path, collection string, seen *fileSet) {
	if ctx.Err() != nil {
		return
	}

	st, err := os.Stat(path)
	switch {
	case err == nil && st.Mode().IsRegular():
		seen.add(path)
		dr.IngestFile(ctx, root, path, collection)

	case errors.Is(err, fs.ErrNotExist):
		gone := seen.take(path)
		if len(gone) == 0 {
			gone = []string{path}
		}
		for _, p := range gone {
			if err := dr.Forget(ctx, root, p, collection); err != nil {
				dr.log.Error("failed to forget file", slog.String("file", p), slog.Any("error", err))
			}
		}
	}
}

func (dr *DocRegistry) clock() time.Time {
	if dr.now != nil {
		return dr.now()
	}

	return time.Now()
}
