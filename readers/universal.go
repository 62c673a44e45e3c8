package readers

import (
	"fmt"

	"code.sajari.com/docconv/v2"
)

// UniversalFileReader handles office and markup formats through docconv.
type UniversalFileReader struct{}

func (r *UniversalFileReader) CanRead(path string) bool {
	return hasExt(path, ".docx", ".odt", ".rtf", ".doc", ".pages", ".xml")
}

func (r *UniversalFileReader) ReadSegments(path string) ([]string, error) {
	res, err := docconv.ConvertPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	return Paragraphs(res.Body), nil
}
