// Package validation checks API request fields and collects per-field messages.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Rule returns the message for a bad value, or "" when v passes. Rules see
// the value with surrounding whitespace removed.
type Rule func(v string) string

// Required rejects a blank value.
func Required(label string) Rule {
	return func(v string) string {
		if v == "" {
			return label + " is required."
		}
		return ""
	}
}

// MaxLen rejects values longer than n runes.
func MaxLen(label string, n int) Rule {
	return ifSet(func(v string) bool {
		return utf8.RuneCountInString(v) <= n
	}, fmt.Sprintf("%s cannot exceed %d characters.", label, n))
}

// Address accepts a single RFC 5322 address, with or without display name.
func Address(label string) Rule {
	return ifSet(func(v string) bool {
		_, err := mail.ParseAddress(v)
		return err == nil
	}, label+" must be a valid e-mail address.")
}

// Matches rejects values that re does not match.
func Matches(label string, re *regexp.Regexp) Rule {
	return ifSet(re.MatchString, label+" has an invalid format.")
}

var languageRE = regexp.MustCompile(`^[a-zA-Z]{2}([-_][a-zA-Z]{2})?$`)

// Language accepts "nl", "en-GB" and "pt_BR" style codes.
func Language(label string) Rule {
	return Matches(label, languageRE)
}

// ifSet builds a rule that lets blank values through.
func ifSet(ok func(string) bool, msg string) Rule {
	return func(v string) string {
		if v == "" || ok(v) {
			return ""
		}
		return msg
	}
}

// Errors maps a field path to its first failure.
type Errors map[string]string

// Check runs rules against value in order and keeps the first failure.
// Fields that already failed are not checked again.
func (e Errors) Check(field, value string, rules ...Rule) Errors {
	if _, failed := e[field]; failed {
		return e
	}
	value = strings.TrimSpace(value)
	for _, rule := range rules {
		if msg := rule(value); msg != "" {
			e[field] = msg
			break
		}
	}
	return e
}

// Add records msg for field unless the field already failed.
func (e Errors) Add(field, msg string) Errors {
	if _, failed := e[field]; !failed {
		e[field] = msg
	}
	return e
}

// OK reports whether every field passed.
func (e Errors) OK() bool {
	return len(e) == 0
}
