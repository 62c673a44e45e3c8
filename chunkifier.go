package main

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Chunk is a piece of a source document before it is embedded.
type Chunk struct {
	Text     string
	SourceID string
	Index    int
}

// ParagraphChunkifier packs whole paragraphs into chunks of about ChunkSize characters.
// Each chunk after the first starts with the last Overlap characters of the previous one,
// so a chunk may exceed ChunkSize by up to Overlap+2 characters.
// A paragraph longer than ChunkSize is never split.
type ParagraphChunkifier struct {
	ChunkSize int
	Overlap   int
}

func (c *ParagraphChunkifier) Chunkify(text, sourceID string) []Chunk {
	var (
		chunks []Chunk
		buf    string
	)

	emit := func() {
		chunks = append(chunks, Chunk{
			Text:     strings.TrimSpace(buf),
			SourceID: sourceID,
			Index:    len(chunks),
		})
	}

	for _, p := range paragraphBreak.Split(text, -1) {
		if strings.TrimSpace(p) == "" {
			continue
		}

		plen := utf8.RuneCountInString(p)
		if buf != "" && utf8.RuneCountInString(buf)+2+plen > c.ChunkSize {
			emit()
			back := tail(buf, c.Overlap)
			buf = strings.TrimSpace(back + "\n\n" + p)
			continue
		}

		if buf == "" {
			buf = strings.TrimSpace(p)
		} else {
			buf = strings.TrimSpace(buf + "\n\n" + p)
		}
	}

	if buf != "" {
		emit()
	}

	return chunks
}

func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}

	rs := []rune(s)
	if len(rs) <= n {
		return s
	}

	return string(rs[len(rs)-n:])
}
