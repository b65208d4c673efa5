// Package sanitize escapes the characters that are unsafe to store or render in chat text.
package sanitize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLength is the maximum message length in characters, counted after trimming.
const MaxLength = 1000

var ErrInvalidInput = errors.New("invalid message text")

var tokens = []string{
	"<", `\u003C`,
	">", `\u003E`,
	`"`, `\u0022`,
	"'", `\u0027`,
}

var (
	escaper   = strings.NewReplacer(tokens...)
	unescaper = strings.NewReplacer(invert(tokens)...)
)

// Sanitize validates text and replaces < > " ' with fixed escape tokens.
// Text that already contains an escape token is rejected so Unsanitize(Sanitize(x)) == x holds.
func Sanitize(text string) (string, error) {
	if err := Validate(text); err != nil {
		return "", err
	}
	return escaper.Replace(text), nil
}

// Unsanitize replaces escape tokens with the original characters.
func Unsanitize(text string) string {
	if text == "" {
		return ""
	}
	return unescaper.Replace(text)
}

// Validate reports whether text is acceptable message input.
func Validate(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidInput)
	}

	n := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case n == 0:
		return fmt.Errorf("%w: empty", ErrInvalidInput)
	case n > MaxLength:
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidInput, n, MaxLength)
	}

	for i := 1; i < len(tokens); i += 2 {
		if strings.Contains(text, tokens[i]) {
			return fmt.Errorf("%w: contains reserved sequence %s", ErrInvalidInput, tokens[i])
		}
	}

	return nil
}

func invert(pairs []string) []string {
	out := make([]string, len(pairs))
	for i := 0; i < len(pairs); i += 2 {
		out[i], out[i+1] = pairs[i+1], pairs[i]
	}
	return out
}
