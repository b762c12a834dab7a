// Package answer turns the varied shapes of an upstream "answer" field into the
// single client-facing representation returned to callers and stored on turns.
package answer

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// Kind tags the variant held by an Answer.
type Kind string

const (
	KindText Kind = "text"
	KindData Kind = "data"
	KindURL  Kind = "url"
	KindList Kind = "list"
)

// NotFoundText is the reply used when the upstream answer has no usable content.
const NotFoundText = "Oops, this question stumped me! I'll keep learning~"

// Rendered is one client-facing item.
type Rendered struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// Answer is the normalised answer. Exactly one of Text, Data or List is meaningful,
// selected by Kind.
type Answer struct {
	Kind     Kind
	Text     string
	Data     any
	List     []any
	NotFound bool
}

// Text builds a plain text answer.
func Text(s string) Answer { return Answer{Kind: KindText, Text: s} }

// URL builds a URL reference answer.
func URL(s string) Answer { return Answer{Kind: KindURL, Text: s} }

// Data builds a structured answer.
func Data(v any) Answer { return Answer{Kind: KindData, Data: v} }

// List builds a passthrough list answer.
func List(items []any) Answer {
	if items == nil {
		items = []any{}
	}
	return Answer{Kind: KindList, List: items}
}

// NotFound is the sentinel answer.
func NotFound() Answer {
	return Answer{Kind: KindText, Text: NotFoundText, NotFound: true}
}

// Items returns the list sent to clients: list answers pass through unchanged,
// every other variant becomes a one-element list of Rendered.
func (a Answer) Items() []any {
	switch a.Kind {
	case KindList:
		if a.List == nil {
			return []any{}
		}
		return a.List
	case KindData:
		return []any{Rendered{Type: KindData, Data: a.Data}}
	case KindURL:
		return []any{Rendered{Type: KindURL, Data: a.Text}}
	default:
		return []any{Rendered{Type: KindText, Data: a.Text}}
	}
}

// JSON encodes Items. Values that cannot be encoded fall back to the sentinel.
func (a Answer) JSON() string {
	b, err := json.Marshal(a.Items())
	if err != nil {
		b, _ = json.Marshal(NotFound().Items())
	}
	return string(b)
}

// ShapeKind classifies a decoded upstream value.
type ShapeKind int

const (
	ShapeMissing ShapeKind = iota
	ShapeObject
	ShapeList
	ShapeString
	ShapeScalar
)

// Shape is the decoded upstream answer, tagged by kind at the parse boundary.
type Shape struct {
	Kind   ShapeKind
	Object map[string]any
	List   []any
	String string
}

// ShapeOf classifies an already decoded JSON value.
func ShapeOf(v any) Shape {
	switch t := v.(type) {
	case nil:
		return Shape{Kind: ShapeMissing}
	case map[string]any:
		return Shape{Kind: ShapeObject, Object: t}
	case []any:
		return Shape{Kind: ShapeList, List: t}
	case string:
		return Shape{Kind: ShapeString, String: t}
	default:
		return Shape{Kind: ShapeScalar}
	}
}

// ParseShape decodes raw JSON. Invalid input is reported as ShapeMissing.
func ParseShape(raw []byte) Shape {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Shape{Kind: ShapeMissing}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Shape{Kind: ShapeMissing}
	}
	return ShapeOf(v)
}

var quoteReplacer = strings.NewReplacer(`"`, "“", `'`, "“")

// Normalize maps each upstream shape to exactly one Answer variant.
func Normalize(s Shape) Answer {
	switch s.Kind {
	case ShapeObject:
		if data, ok := s.Object["data"]; ok {
			return Data(data)
		}
		return NotFound()
	case ShapeList:
		return List(s.List)
	case ShapeString:
		if nested, ok := decodeEmbedded(s.String); ok {
			return Normalize(nested)
		}
		if isHTTPURL(s.String) {
			return URL(strings.TrimSpace(s.String))
		}
		return Text(quoteReplacer.Replace(s.String))
	default:
		return NotFound()
	}
}

// FromResponse normalises the "answer" field of a blocking-mode response body.
func FromResponse(body map[string]any) Answer {
	if body == nil {
		return NotFound()
	}
	return Normalize(ShapeOf(body["answer"]))
}

// FromText normalises an accumulated streaming answer.
func FromText(text string) Answer {
	return Normalize(Shape{Kind: ShapeString, String: text})
}

// decodeEmbedded re-parses strings that carry a JSON object or array, as some
// workflows serialise structured output into the answer text. Raw control
// characters are escaped before a second attempt.
func decodeEmbedded(s string) (Shape, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return Shape{}, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		escaped := strings.NewReplacer("\t", `\t`, "\n", `\n`).Replace(trimmed)
		if err := json.Unmarshal([]byte(escaped), &v); err != nil {
			return Shape{}, false
		}
	}
	shape := ShapeOf(v)
	if shape.Kind != ShapeObject && shape.Kind != ShapeList {
		return Shape{}, false
	}
	return shape, true
}

func isHTTPURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
