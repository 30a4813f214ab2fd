package expr

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Interpolate replaces every {{ expr }} span in text with the string form of
// the evaluated expression. Spans are found in the original text only;
// substituted output is never rescanned.
func Interpolate(text string, scope Scope) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		v, err := Eval(strings.TrimSpace(text[m[2]:m[3]]), scope)
		if err != nil {
			return "", err
		}
		b.WriteString(v.String())
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// HasPlaceholder reports whether text contains a {{ }} span.
func HasPlaceholder(text string) bool {
	return placeholderPattern.MatchString(text)
}
