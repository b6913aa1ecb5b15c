// Package pattern translates filename templates such as "img_s{series}_w{channel}.tif"
// into matching rules. A rule both recognizes filenames, yielding the captured field
// text, and synthesizes filenames from previously captured text.
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// fieldRe finds "{name}" and "{name:width}" occurrences in a template.
var fieldRe = regexp.MustCompile(`{([^:}]+):?([^}]*)}`)

// token is one piece of a parsed template: either literal text or a named field.
type token struct {
	literal string
	field   string
	width   int // -1 when the field has no fixed width
}

// Rule is the compiled form of a template.
type Rule struct {
	pattern string
	tokens  []token
	fields  []string
	re      *regexp.Regexp
}

// Compile converts a template into a Rule. Literal text is matched literally, "{name:W}"
// captures exactly W characters and "{name}" captures the shortest non-empty run. The
// whole filename must match.
func Compile(pattern string) (*Rule, error) {
	r := &Rule{pattern: pattern}

	var expr strings.Builder
	expr.WriteString("^")
	last := 0
	for _, loc := range fieldRe.FindAllStringSubmatchIndex(pattern, -1) {
		if loc[0] > last {
			lit := pattern[last:loc[0]]
			r.tokens = append(r.tokens, token{literal: lit})
			expr.WriteString(regexp.QuoteMeta(lit))
		}
		name := pattern[loc[2]:loc[3]]
		format := pattern[loc[4]:loc[5]]
		tok := token{field: name, width: fieldWidth(format)}
		r.tokens = append(r.tokens, tok)
		r.fields = append(r.fields, name)

		expr.WriteString("(?P<" + name + ">")
		if tok.width >= 0 {
			expr.WriteString(fixedRun(tok.width))
		} else {
			expr.WriteString(".+?")
		}
		expr.WriteString(")")
		last = loc[1]
	}
	if last < len(pattern) {
		lit := pattern[last:]
		r.tokens = append(r.tokens, token{literal: lit})
		expr.WriteString(regexp.QuoteMeta(lit))
	}
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	r.re = re
	return r, nil
}

// maxRepeat is the largest repeat count the regexp package accepts.
const maxRepeat = 1000

// fixedRun matches exactly w characters, splitting counts above maxRepeat into
// consecutive runs.
func fixedRun(w int) string {
	var b strings.Builder
	for w > maxRepeat {
		b.WriteString(".{" + strconv.Itoa(maxRepeat) + "}")
		w -= maxRepeat
	}
	b.WriteString(".{" + strconv.Itoa(w) + "}")
	return b.String()
}

// fieldWidth returns the fixed width of a field format such as "03", or -1 if it is not a
// plain non-negative integer.
func fieldWidth(format string) int {
	if format == "" {
		return -1
	}
	for _, c := range format {
		if c < '0' || c > '9' {
			return -1
		}
	}
	w, err := strconv.Atoi(format)
	if err != nil {
		return -1
	}
	return w
}

// Match reports whether name matches the rule and returns the captured text of every
// field.
func (r *Rule) Match(name string) (map[string]string, bool) {
	m := r.re.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	components := make(map[string]string, len(r.fields))
	for i, group := range r.re.SubexpNames() {
		if group == "" {
			continue
		}
		components[group] = m[i]
	}
	return components, true
}

// Render rebuilds a filename by substituting components back into the template.
func (r *Rule) Render(components map[string]string) (string, error) {
	var b strings.Builder
	for _, tok := range r.tokens {
		if tok.field == "" {
			b.WriteString(tok.literal)
			continue
		}
		v, ok := components[tok.field]
		if !ok {
			return "", fmt.Errorf("render pattern %q: missing field %q", r.pattern, tok.field)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// Fields returns the field names in template order.
func (r *Rule) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// HasField reports whether the template declares the named field.
func (r *Rule) HasField(name string) bool {
	for _, f := range r.fields {
		if f == name {
			return true
		}
	}
	return false
}

// Pattern returns the template the rule was compiled from.
func (r *Rule) Pattern() string { return r.pattern }

// String returns the regular expression source.
func (r *Rule) String() string { return r.re.String() }
