package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions controls how documents are normalised before comparison
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys present only in the actual document.
	IgnoreExtraKeys bool `default:"true"`
	// NilToEmptyArray treats null and [] as equal.
	NilToEmptyArray bool `default:"true"`
	// IgnoredFields are removed from both documents at every depth.
	IgnoredFields []string
}

// JSONOption configures a JSONAsserter
type JSONOption func(*JSONAssertOptions)

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

func WithStrictKeys() JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = false }
}

// JSONAsserter compares JSON documents structurally and reports an ASCII diff
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t *testing.T) *JSONAsserter {
	return newJSONAsserter(t)
}

func newJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals v and compares it against expectedJSON
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) {
	ja.Assert(MustJSON(v), expectedJSON)
}

// Diff returns an empty string when the documents match
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"array": expected}
	}
	if _, ok := actual.([]any); ok {
		actual = map[string]any{"array": actual}
	}

	for _, f := range ja.options.IgnoredFields {
		removeField(expected, f)
		removeField(actual, f)
	}
	actual = ja.normalise(expected, actual)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	var expectedObj map[string]any
	_ = json.Unmarshal(expectedBytes, &expectedObj)
	out, err := formatter.NewAsciiFormatter(expectedObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	}).Format(d)
	if err != nil {
		return fmt.Sprintf("failed to format diff: %v", err)
	}
	return out
}

// normalise returns actual reshaped towards expected according to the options
func (ja *JSONAsserter) normalise(expected, actual any) any {
	if ja.options.NilToEmptyArray {
		if arr, ok := expected.([]any); ok && len(arr) == 0 && actual == nil {
			return []any{}
		}
		if arr, ok := actual.([]any); ok && len(arr) == 0 && expected == nil {
			return nil
		}
	}

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return actual
		}
		for k, v := range act {
			ev, known := exp[k]
			if !known {
				if ja.options.IgnoreExtraKeys {
					delete(act, k)
				}
				continue
			}
			act[k] = ja.normalise(ev, v)
		}
		return act
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return actual
		}
		for i := range act {
			if i < len(exp) {
				act[i] = ja.normalise(exp[i], act[i])
			}
		}
		return act
	}
	return actual
}

func removeField(v any, field string) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, field)
		for _, child := range t {
			removeField(child, field)
		}
	case []any:
		for _, child := range t {
			removeField(child, field)
		}
	}
}
