// Package lang renders counts and lists in report and error messages.
package lang

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gertd/go-pluralize"
)

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

var pluralizer = pluralize.NewClient()

// Plural returns the plural form of word.
func Plural(word string) string {
	return pluralizer.Plural(word)
}

// Capitalize upper-cases the first rune of s.
func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

var smallNumbers = []string{"no", "one", "two", "three"}

// Card renders a count of word, e.g. "no sensors", "one actor", "12 observations".
func Card(count int, word string) string {
	number := fmt.Sprint(count)
	if count >= 0 && count < len(smallNumbers) {
		number = smallNumbers[count]
	}
	if count == 1 {
		return fmt.Sprintf("%s %s", number, word)
	}
	return fmt.Sprintf("%s %s", number, Plural(word))
}

// Number spells small counts, e.g. "none", "two", "12".
func Number(count int) string {
	if count == 0 {
		return "none"
	}
	if count > 0 && count < len(smallNumbers) {
		return smallNumbers[count]
	}
	return fmt.Sprint(count)
}

type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
}

// Do joins elements as "a, b, and c".
func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	res := &bytes.Buffer{}
	for idx, element := range elements {
		fmt.Fprintf(res, pattern, element)
		switch {
		case idx+2 < len(elements):
			fmt.Fprintf(res, "%s ", separator)
		case idx+2 == len(elements) && len(elements) > 2:
			fmt.Fprintf(res, "%s %s ", separator, operator)
		case idx+2 == len(elements):
			fmt.Fprintf(res, " %s ", operator)
		}
	}
	return strings.TrimSpace(res.String())
}
