package readers

import (
	"fmt"
	"os"

	"code.sajari.com/docconv/v2"
	"github.com/ledongthuc/pdf"
)

// PdfFileReader extracts one segment per page. Files the native parser cannot handle
// are converted with docconv instead.
type PdfFileReader struct{}

func (r *PdfFileReader) CanRead(path string) bool {
	return hasExt(path, ".pdf")
}

func (r *PdfFileReader) ReadSegments(path string) ([]string, error) {
	pages, err := readPdfPages(path)
	if err == nil && len(pages) > 0 {
		return pages, nil
	}

	res, convErr := docconv.ConvertPath(path)
	if convErr != nil {
		if err != nil {
			return nil, fmt.Errorf("failed to read pdf document: %w", err)
		}
		return nil, fmt.Errorf("failed to read pdf document: %w", convErr)
	}

	return Paragraphs(res.Body), nil
}

func readPdfPages(path string) (pages []string, err error) {
	// the parser panics on some malformed files
	defer func() {
		if rec := recover(); rec != nil {
			pages, err = nil, fmt.Errorf("pdf parser panic: %v", rec)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat pdf: %w", err)
	}

	reader, err := pdf.NewReader(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to create pdf reader: %w", err)
	}

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(make(map[string]*pdf.Font))
		if err != nil {
			continue
		}
		if text = CleanText(text); text != "" {
			pages = append(pages, text)
		}
	}

	return pages, nil
}
