package readers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const minRowLen = 20

// CsvFileReader emits one segment per data row. The first row is treated as the header.
type CsvFileReader struct{}

func (r *CsvFileReader) CanRead(path string) bool {
	return hasExt(path, ".csv")
}

func (r *CsvFileReader) ReadSegments(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	var out []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}

		if row := joinCells(rec); longerThan(row, minRowLen) {
			out = append(out, row)
		}
	}

	return out, nil
}

func joinCells(cells []string) string {
	parts := make([]string, 0, len(cells))
	for _, c := range cells {
		if c != "" {
			parts = append(parts, c)
		}
	}

	return CleanText(strings.Join(parts, " "))
}
