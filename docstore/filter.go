package docstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var ErrInvalidFilter = errors.New("invalid filter expression")

type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

type Condition struct {
	Field string
	Op    Op
	Str   string
	Int   int64
	IsInt bool
}

// Filter is a conjunction of field comparisons, e.g.
//
//	mime_type == "application/pdf" and chunk_index < 3
type Filter struct {
	Conditions []Condition
}

var stringFields = map[string]struct{}{
	SourceID: {}, SourcePath: {}, DocTitle: {}, MimeType: {}, Hash: {}, Collection: {},
}

var intFields = map[string]struct{}{
	ChunkIndex: {}, CreatedAt: {},
}

type filterExpr struct {
	Comparisons []*comparison `parser:"@@ ( ( '&&' | 'and' ) @@ )*"`
}

type comparison struct {
	Field string   `parser:"@Ident"`
	Op    string   `parser:"@Op"`
	Value *literal `parser:"@@"`
}

type literal struct {
	Str *string `parser:"  @String"`
	Int *string `parser:"| @Int"`
}

var (
	filterLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
		{Name: "Int", Pattern: `-?\d+`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "Op", Pattern: `==|!=|>=|<=|>|<`},
		{Name: "And", Pattern: `&&`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	filterParser = participle.MustBuild[filterExpr](
		participle.Lexer(filterLexer),
		participle.Elide("Whitespace"),
		participle.Unquote("String"),
		participle.CaseInsensitive("Ident"),
	)
)

// ParseFilter parses a filter expression. An empty expression yields a nil filter.
func ParseFilter(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}

	ast, err := filterParser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, err)
	}

	f := &Filter{Conditions: make([]Condition, 0, len(ast.Comparisons))}
	for _, c := range ast.Comparisons {
		cond, err := newCondition(c)
		if err != nil {
			return nil, err
		}
		f.Conditions = append(f.Conditions, cond)
	}

	return f, nil
}

func newCondition(c *comparison) (Condition, error) {
	cond := Condition{Field: c.Field, Op: Op(c.Op)}

	if _, ok := stringFields[c.Field]; ok {
		if c.Value.Str == nil {
			return Condition{}, fmt.Errorf("%w: %s expects a quoted string", ErrInvalidFilter, c.Field)
		}
		if cond.Op != OpEq && cond.Op != OpNe {
			return Condition{}, fmt.Errorf("%w: %s supports only == and !=", ErrInvalidFilter, c.Field)
		}
		cond.Str = *c.Value.Str
		return cond, nil
	}

	if _, ok := intFields[c.Field]; ok {
		if c.Value.Int == nil {
			return Condition{}, fmt.Errorf("%w: %s expects an integer", ErrInvalidFilter, c.Field)
		}
		n, err := strconv.ParseInt(*c.Value.Int, 10, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("%w: %s", ErrInvalidFilter, err)
		}
		cond.Int = n
		cond.IsInt = true
		return cond, nil
	}

	return Condition{}, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, c.Field)
}

// Match reports whether the row satisfies every condition. A nil filter matches everything.
func (f *Filter) Match(r Row) bool {
	if f == nil {
		return true
	}

	for _, c := range f.Conditions {
		if !c.match(r) {
			return false
		}
	}

	return true
}

func (c Condition) match(r Row) bool {
	if c.IsInt {
		v, ok := intField(r, c.Field)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			return v == c.Int
		case OpNe:
			return v != c.Int
		case OpGt:
			return v > c.Int
		case OpGte:
			return v >= c.Int
		case OpLt:
			return v < c.Int
		case OpLte:
			return v <= c.Int
		}
		return false
	}

	v, ok := stringField(r, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return v == c.Str
	case OpNe:
		return v != c.Str
	}

	return false
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}

	parts := make([]string, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		if c.IsInt {
			parts = append(parts, fmt.Sprintf("%s %s %d", c.Field, c.Op, c.Int))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Op, strconv.Quote(c.Str)))
		}
	}

	return strings.Join(parts, " and ")
}
