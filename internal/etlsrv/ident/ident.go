// Package ident validates and quotes SQL identifiers. Every schema, table and column name
// that reaches a statement passes through Sanitize first. Names that do not match the
// allowed pattern are rejected, never coerced.
package ident

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tansive/tabletenant/internal/common/apperrors"
)

// MaxLength is the longest identifier Postgres keeps without truncation.
const MaxLength = 63

const identifierRegex = `^[A-Za-z0-9_]+$`

var identifierRe = regexp.MustCompile(identifierRegex)

var ErrInvalidIdentifier apperrors.Error = apperrors.New("invalid identifier").
	SetStatusCode(http.StatusBadRequest).
	SetReason("INVALID_IDENTIFIER")

// Valid reports whether name is an acceptable identifier.
func Valid(name string) bool {
	return len(name) <= MaxLength && identifierRe.MatchString(name)
}

// Sanitize returns name unchanged if it is a valid identifier.
func Sanitize(name string) (string, error) {
	if !Valid(name) {
		return "", ErrInvalidIdentifier.Msg("invalid identifier " + strconv.Quote(name) +
			": only letters, digits and underscore are allowed, up to " + strconv.Itoa(MaxLength) + " characters")
	}
	return name, nil
}

// Quote sanitizes name and wraps it in double quotes.
func Quote(name string) (string, error) {
	n, err := Sanitize(name)
	if err != nil {
		return "", err
	}
	return `"` + n + `"`, nil
}

// Qualified returns the schema qualified, quoted name "namespace"."table".
func Qualified(namespace, table string) (string, error) {
	ns, err := Quote(namespace)
	if err != nil {
		return "", err
	}
	t, err := Quote(table)
	if err != nil {
		return "", err
	}
	return ns + "." + t, nil
}

// QuoteAll quotes every name, failing on the first invalid one.
func QuoteAll(names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := Quote(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// Normalize derives a candidate column name from a free form file header:
// lower case, runs of other characters collapsed to "_", a leading digit prefixed
// with "c_" and the result cut to MaxLength. An empty result becomes column_<position>.
// The result still has to pass Sanitize before use.
func Normalize(header string, position int) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			b.WriteRune(r)
			lastUnderscore = true
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		return "column_" + strconv.Itoa(position)
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}
	if len(name) > MaxLength {
		name = strings.TrimRight(name[:MaxLength], "_")
	}
	return name
}
