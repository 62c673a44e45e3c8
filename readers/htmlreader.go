package readers

import (
	"fmt"
	"os"

	"github.com/PuerkitoBio/goquery"
)

const htmlBlocks = "p, li, h1, h2, h3, h4, h5, h6, pre, blockquote, td, th, dd, dt"

// HtmlFileReader emits the text of innermost block elements, or the whole body
// when the page has no block structure.
type HtmlFileReader struct{}

func (r *HtmlFileReader) CanRead(path string) bool {
	return hasExt(path, ".html", ".htm", ".xhtml")
}

func (r *HtmlFileReader) ReadSegments(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open html file: %w", err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	var out []string
	doc.Find(htmlBlocks).Each(func(_ int, s *goquery.Selection) {
		if s.Find(htmlBlocks).Length() > 0 {
			return
		}
		if text := CleanText(s.Text()); text != "" {
			out = append(out, text)
		}
	})

	if len(out) == 0 {
		if text := CleanText(doc.Find("body").Text()); text != "" {
			out = append(out, text)
		}
	}

	return out, nil
}
