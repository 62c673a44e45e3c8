package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const sourceIDPrefix = "DOC-"

var mimeTypes = map[string]string{
	".txt":      "text/plain",
	".log":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".json":     "application/json",
	".pdf":      "application/pdf",
	".html":     "text/html",
	".htm":      "text/html",
	".xml":      "application/xml",
	".rtf":      "application/rtf",
	".doc":      "application/msword",
	".odt":      "application/vnd.oasis.opendocument.text",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx":     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// RelativePath returns path relative to root with forward slashes. Paths outside root
// collapse to their base name.
func RelativePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}

	return filepath.ToSlash(rel)
}

// SourceIDFor derives the identity of a source document from its relative path only.
func SourceIDFor(root, path string) string {
	sum := sha1.Sum([]byte(RelativePath(root, path)))
	return sourceIDPrefix + hex.EncodeToString(sum[:])[:8]
}

func ContentHash(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func TitleLine(sourceID, root, path string) string {
	return fmt.Sprintf("SOURCE ID: %s | SOURCE PATH: %s", sourceID, RelativePath(root, path))
}

func GuessMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return stripParams(mt)
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		return stripParams(mt.String())
	}

	return "application/octet-stream"
}

func stripParams(mt string) string {
	base, _, _ := strings.Cut(mt, ";")
	return strings.TrimSpace(base)
}

// PlaceholderFilter drops short filler segments such as "[Unknown Date]" headers
// that carry no content of their own.
type PlaceholderFilter struct {
	Markers []string
	MaxLen  int
}

func DefaultPlaceholderFilter() PlaceholderFilter {
	return PlaceholderFilter{Markers: []string{"Unknown Date"}, MaxLen: 40}
}

// Apply trims segments and returns the ones worth indexing.
func (f PlaceholderFilter) Apply(segments []string) []string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.TrimSpace(s)
		if s == "" || f.isPlaceholder(s) {
			continue
		}
		out = append(out, s)
	}

	return out
}

func (f PlaceholderFilter) isPlaceholder(s string) bool {
	if len([]rune(s)) >= f.MaxLen {
		return false
	}

	for _, m := range f.Markers {
		if strings.HasPrefix(s, "["+m+"]") {
			return true
		}
	}

	return false
}
