package expr

import (
	"regexp"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

var reflectivePattern = regexp.MustCompile(`__\w+__`)

// Check rejects expression text that names a double-underscore identifier.
// It runs on the raw text before tokenization, so quoted strings are
// rejected too.
func Check(text string) error {
	if m := reflectivePattern.FindString(text); m != "" {
		return types.NewInvalidContent("expression %q contains forbidden identifier %q", text, m)
	}
	return nil
}
