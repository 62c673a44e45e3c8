package main

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraph(i, n int) string {
	head := fmt.Sprintf("p%02d-", i)
	return head + strings.Repeat("x", n-len(head))
}

func Test_Chunkify_Short(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 2048, Overlap: 200}

	chunks := c.Chunkify("first paragraph\n\n  \n\nsecond paragraph", "DOC-1")
	require.Len(t, chunks, 1)
	assert.Equal(t, "first paragraph\n\nsecond paragraph", chunks[0].Text)
	assert.Equal(t, "DOC-1", chunks[0].SourceID)
	assert.Equal(t, 0, chunks[0].Index)
}

func Test_Chunkify_Empty(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 100, Overlap: 10}

	assert.Empty(t, c.Chunkify("", "DOC-1"))
	assert.Empty(t, c.Chunkify(" \n\n \t\n\n", "DOC-1"))
}

func Test_Chunkify_Overlap(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 2048, Overlap: 200}
	text := strings.Join([]string{
		strings.Repeat("a", 1000),
		strings.Repeat("b", 1000),
		strings.Repeat("c", 1000),
	}, "\n\n")

	chunks := c.Chunkify(text, "DOC-1")
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 1000)+"\n\n"+strings.Repeat("b", 1000), chunks[0].Text)
	assert.Equal(t, strings.Repeat("b", 200)+"\n\n"+strings.Repeat("c", 1000), chunks[1].Text)
	assert.Equal(t, 1, chunks[1].Index)
}

func Test_Chunkify_NoOverlap(t *testing.T) {
	for i, overlap := range []int{0, -5} {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			c := &ParagraphChunkifier{ChunkSize: 10, Overlap: overlap}

			chunks := c.Chunkify("aaaaaa\n\nbbbbbb", "DOC-1")
			require.Len(t, chunks, 2)
			assert.Equal(t, "aaaaaa", chunks[0].Text)
			assert.Equal(t, "bbbbbb", chunks[1].Text)
		})
	}
}

func Test_Chunkify_OversizedParagraph(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 100, Overlap: 20}
	big := strings.Repeat("z", 300)

	chunks := c.Chunkify("intro\n\n"+big+"\n\noutro", "DOC-1")
	require.Len(t, chunks, 3)
	assert.Equal(t, "intro", chunks[0].Text)
	assert.Equal(t, "intro\n\n"+big, chunks[1].Text)
	assert.Equal(t, strings.Repeat("z", 20)+"\n\noutro", chunks[2].Text)
}

func Test_Chunkify_FullOverlapSeed(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 2048, Overlap: 200}

	chunks := c.Chunkify(strings.Repeat("a", 1000)+"\n\n"+strings.Repeat("b", 1900), "DOC-1")
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 1000), chunks[0].Text)
	assert.True(t, strings.HasPrefix(chunks[1].Text, strings.Repeat("a", 200)+"\n\n"))
	assert.Equal(t, strings.Repeat("a", 200)+"\n\n"+strings.Repeat("b", 1900), chunks[1].Text)
	assert.Equal(t, 2102, utf8.RuneCountInString(chunks[1].Text))
}

func Test_Chunkify_CountsRunes(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 12, Overlap: 0}

	chunks := c.Chunkify("ééééé\n\nééééé", "DOC-1")
	require.Len(t, chunks, 1)
	assert.Equal(t, "ééééé\n\nééééé", chunks[0].Text)

	chunks = c.Chunkify("éééééé\n\nééééé", "DOC-1")
	assert.Len(t, chunks, 2)
}

func Test_Chunkify_LongDocument(t *testing.T) {
	c := &ParagraphChunkifier{ChunkSize: 2048, Overlap: 200}

	paragraphs := make([]string, 50)
	for i := range paragraphs {
		paragraphs[i] = paragraph(i, 99)
	}

	chunks := c.Chunkify(strings.Join(paragraphs, "\n\n"), "DOC-1")
	require.Len(t, chunks, 3)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 2048)
		if i > 0 {
			prev := chunks[i-1].Text
			assert.True(t, strings.HasPrefix(ch.Text, prev[len(prev)-200:]))
		}
	}
}
