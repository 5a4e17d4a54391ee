// Package prompt fills {{name}} placeholders in prompt templates.
package prompt

import (
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

// Lookup resolves a placeholder name.
type Lookup func(name string) (string, bool)

// Template is a parsed prompt template.
type Template struct {
	source string
	tpl    *fasttemplate.Template
}

// Parse compiles source. Unterminated placeholders are rejected.
func Parse(source string) (*Template, error) {
	tpl, err := fasttemplate.NewTemplate(source, startTag, endTag)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Template{source: source, tpl: tpl}, nil
}

// MustParse is Parse for literal templates.
func MustParse(source string) *Template {
	t, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) String() string {
	return t.source
}

// Render substitutes every placeholder. A name unknown to lookup is an error.
func (t *Template) Render(lookup Lookup) (string, error) {
	return t.tpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		value, ok := lookup(name)
		if !ok {
			return 0, fmt.Errorf("unknown placeholder %q", name)
		}
		return w.Write([]byte(value))
	})
}

// Placeholders lists the distinct placeholder names in order of appearance.
func (t *Template) Placeholders() []string {
	var names []string
	seen := make(map[string]struct{})
	_, _ = t.tpl.ExecuteFuncStringWithErr(func(_ io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return 0, nil
	})
	return names
}

// Map returns a Lookup over a fixed map.
func Map(values map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

// Chain tries each lookup in order.
func Chain(lookups ...Lookup) Lookup {
	return func(name string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(name); ok {
				return v, true
			}
		}
		return "", false
	}
}
