package docstore

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var ErrInvalidRow = errors.New("invalid row")

// Schema holds the bounds every persisted row must respect.
type Schema struct {
	Dimension     int
	TextMax       int
	SourcePathMax int
	TitleMax      int
	CollectionMax int
	MimeMax       int
	SourceIDMax   int
	HashMax       int
}

func DefaultSchema() Schema {
	return Schema{
		Dimension:     1024,
		TextMax:       32768,
		SourcePathMax: 1024,
		TitleMax:      512,
		CollectionMax: 128,
		MimeMax:       64,
		SourceIDMax:   64,
		HashMax:       64,
	}
}

// Validate checks a row against the schema. Lengths are counted in characters.
func (s Schema) Validate(r Row) error {
	if s.Dimension > 0 && len(r.Vector) != s.Dimension {
		return fmt.Errorf("%w: vector has %d dimensions, expected %d", ErrInvalidRow, len(r.Vector), s.Dimension)
	}
	for _, v := range r.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: vector contains non-finite values", ErrInvalidRow)
		}
	}
	if r.SourceID == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidRow, SourceID)
	}
	if r.Collection == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidRow, Collection)
	}

	bounded := []struct {
		field string
		value string
		max   int
	}{
		{SourceID, r.SourceID, s.SourceIDMax},
		{SourcePath, r.SourcePath, s.SourcePathMax},
		{DocTitle, r.DocTitle, s.TitleMax},
		{MimeType, r.MimeType, s.MimeMax},
		{Hash, r.Hash, s.HashMax},
		{Collection, r.Collection, s.CollectionMax},
		{"text", r.Text, s.TextMax},
	}
	for _, b := range bounded {
		if b.max > 0 && utf8.RuneCountInString(b.value) > b.max {
			return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidRow, b.field, b.max)
		}
	}

	return nil
}

// TruncateText cuts text to at most max characters. The returned flag reports whether anything was lost.
func TruncateText(text string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text, false
	}

	n := 0
	for i := range text {
		if n == max {
			return text[:i], true
		}
		n++
	}

	return text, false
}
