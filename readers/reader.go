package readers

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FileReader turns one file format into a list of cleaned text segments.
type FileReader interface {
	CanRead(path string) bool
	ReadSegments(path string) ([]string, error)
}

// Normalizer dispatches a file to the first reader that accepts its extension.
// Files with unknown extensions are read as plain text when their content looks textual.
type Normalizer struct {
	log      *slog.Logger
	readers  []FileReader
	fallback FileReader
}

func NewNormalizer(log *slog.Logger, readers ...FileReader) *Normalizer {
	if len(readers) == 0 {
		readers = DefaultReaders()
	}

	return &Normalizer{
		log:      log,
		readers:  readers,
		fallback: &TxtFileReader{},
	}
}

func DefaultReaders() []FileReader {
	return []FileReader{
		&TxtFileReader{},
		&PdfFileReader{},
		&CsvFileReader{},
		&JsonFileReader{},
		&XlsxFileReader{},
		&HtmlFileReader{},
		&UniversalFileReader{},
	}
}

// Extract never fails. Unreadable files yield no segments and a warning.
func (n *Normalizer) Extract(path string) []string {
	r := n.readerFor(path)
	if r == nil {
		n.log.Warn("unsupported file skipped", slog.String("path", path))
		return nil
	}

	segments, err := r.ReadSegments(path)
	if err != nil {
		n.log.Warn("failed to extract text", slog.String("path", path), slog.Any("error", err))
		return nil
	}

	return segments
}

func (n *Normalizer) readerFor(path string) FileReader {
	for _, r := range n.readers {
		if r.CanRead(path) {
			return r
		}
	}

	if looksTextual(path) {
		return n.fallback
	}

	return nil
}

func looksTextual(path string) bool {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}

	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}

	return false
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}

	return false
}
