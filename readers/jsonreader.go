package readers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

var (
	contentKeys = []string{"text", "content", "message", "body", "comment", "post", "description"}
	dateKeys    = []string{"created_at", "timestamp", "date", "posted_on"}
)

const (
	unknownDate   = "Unknown Date"
	minContentLen = 20
)

// JsonFileReader reads an object or an array of objects, such as exported posts or
// messages, and emits "[date] text" for every item with enough textual content.
type JsonFileReader struct{}

func (r *JsonFileReader) CanRead(path string) bool {
	return hasExt(path, ".json")
}

func (r *JsonFileReader) ReadSegments(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read json file: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(strings.ToValidUTF8(string(buf), "")))
	dec.UseNumber()

	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}

	var items []any
	switch v := data.(type) {
	case map[string]any:
		items = []any{v}
	case []any:
		items = v
	}

	var out []string
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}

		content, ok := firstPresent(obj, contentKeys).(string)
		if !ok || !longerThan(content, minContentLen) {
			continue
		}

		date := unknownDate
		if d := firstPresent(obj, dateKeys); d != nil {
			date = fmt.Sprint(d)
		}

		out = append(out, fmt.Sprintf("[%s] %s", date, CleanText(content)))
	}

	return out, nil
}

func firstPresent(obj map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && truthy(v) {
			return v
		}
	}

	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}

	return true
}
