package readers

import (
	"fmt"
	"os"
)

type TxtFileReader struct{}

func (r *TxtFileReader) CanRead(path string) bool {
	return hasExt(path, ".txt", ".md", ".markdown", ".log")
}

func (r *TxtFileReader) ReadSegments(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	return Paragraphs(string(buf)), nil
}
