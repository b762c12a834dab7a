package answer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Answer
	}{
		{"plain text", `{"answer":"plain text"}`, Text("plain text")},
		{"quotes become curly", `{"answer":"say \"hi\" it's"}`, Text("say “hi“ it“s")},
		{"object with data", `{"answer":{"data":[1,2]}}`, Data([]any{float64(1), float64(2)})},
		{"object without data", `{"answer":{"rows":[]}}`, NotFound()},
		{"list passthrough", `{"answer":[{"a":1}]}`, List([]any{map[string]any{"a": float64(1)}})},
		{"embedded json object", `{"answer":"{\"data\":\"x\"}"}`, Data("x")},
		{"embedded json with raw newline", "{\"answer\":\"{\\\"data\\\":\\\"a\\nb\\\"}\"}", Data("a\nb")},
		{"url", `{"answer":"https://example.com/report.pdf"}`, URL("https://example.com/report.pdf")},
		{"number", `{"answer":42}`, NotFound()},
		{"null", `{"answer":null}`, NotFound()},
		{"missing", `{}`, NotFound()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.in), &body))
			assert.Equal(t, tt.want, FromResponse(body))
		})
	}
}

func TestNumericTextStaysText(t *testing.T) {
	assert.Equal(t, Text("123"), FromText("123"))
}

func TestItemsAndJSON(t *testing.T) {
	assert.JSONEq(t, `[{"type":"text","data":"Hello"}]`, FromText("Hello").JSON())
	assert.JSONEq(t, `[{"type":"data","data":{"k":"v"}}]`, Data(map[string]any{"k": "v"}).JSON())
	assert.JSONEq(t, `[{"type":"url","data":"http://a.b/c"}]`, URL("http://a.b/c").JSON())
	assert.JSONEq(t, `[1,"two"]`, List([]any{1, "two"}).JSON())
	assert.JSONEq(t, `[]`, List(nil).JSON())
	assert.True(t, NotFound().NotFound)
	assert.JSONEq(t, `[{"type":"text","data":"`+NotFoundText+`"}]`, NotFound().JSON())
}

func TestParseShape(t *testing.T) {
	assert.Equal(t, ShapeMissing, ParseShape(nil).Kind)
	assert.Equal(t, ShapeMissing, ParseShape([]byte("{oops")).Kind)
	assert.Equal(t, ShapeList, ParseShape([]byte(" [1] ")).Kind)
	assert.Equal(t, ShapeString, ParseShape([]byte(`"x"`)).Kind)
	assert.Equal(t, ShapeScalar, ParseShape([]byte(`true`)).Kind)
}
