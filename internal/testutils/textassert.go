package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters report through
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type TextAssertOptions struct {
	TrimTrailingSpace bool `default:"true"`
	IgnoreEmptyLines  bool `default:"false"`
	EnableColors      bool `default:"false"`
}

// TextOption configures a TextAsserter
type TextOption func(*TextAssertOptions)

func WithIgnoreEmptyLines() TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = true }
}

func WithColors() TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = true }
}

// TextAsserter compares rendered text and reports a unified diff
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t *testing.T) *TextAsserter {
	return newTextAsserter(t)
}

func newTextAsserter(t TestingT) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Assert compares actual text against expected text
func (ta *TextAsserter) Assert(actual, expected string) {
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed:\n%s", diff)
	}
}

// Diff returns an empty string when the normalised texts are equal
func (ta *TextAsserter) Diff(actual, expected string) string {
	exp, act := ta.normalise(expected), ta.normalise(actual)
	if exp == act {
		return ""
	}

	edits := myers.ComputeEdits("", exp, act)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", exp, edits))
	if !ta.options.EnableColors {
		return unified
	}
	return colorize(unified)
}

func (ta *TextAsserter) normalise(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		if ta.options.TrimTrailingSpace {
			line = strings.TrimRight(line, " \t")
		}
		if ta.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

func colorize(unified string) string {
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	red.EnableColor()
	green.EnableColor()

	lines := strings.Split(unified, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}
