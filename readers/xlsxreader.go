package readers

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// XlsxFileReader emits one segment per spreadsheet row across all sheets.
type XlsxFileReader struct{}

func (r *XlsxFileReader) CanRead(path string) bool {
	return hasExt(path, ".xlsx", ".xlsm")
}

func (r *XlsxFileReader) ReadSegments(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var out []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}

		for _, cells := range rows {
			if row := joinCells(cells); longerThan(row, minRowLen) {
				out = append(out, row)
			}
		}
	}

	return out, nil
}
