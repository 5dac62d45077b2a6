// Package globpattern turns path glob patterns into the two pattern
// sinks the two sandbox backends need: a Seatbelt regex (Host-A) and an
// expanded path list (Host-B, which hands expansion off to
// sandbox.ExpandGlobPatterns since that routine is already wired into
// both the bwrap bind-mount planner and the Landlock ruleset builder).
//
// Grounded on sandbox.GlobToRegex in the teacher's macos.go (escape via
// regexp.QuoteMeta, then restore **/, **, *, ? in that order), extended
// to reject glob forms the regex dialect can't express unambiguously.
package globpattern

import (
	"fmt"
	"regexp"
	"strings"
)

// AmbiguousPatternError is returned when a glob cannot be translated to
// an unambiguous Seatbelt regex.
type AmbiguousPatternError struct {
	Pattern string
	Reason  string
}

func (e *AmbiguousPatternError) Error() string {
	return fmt.Sprintf("ambiguous glob pattern %q: %s", e.Pattern, e.Reason)
}

// ToRegex converts a glob pattern to an anchored regex suitable for a
// Seatbelt (regex ...) literal. Returns an AmbiguousPatternError for a
// trailing "**" not preceded by a path separator ("dir**"), since that form would
// match both "the directory itself" and "anything below it" and the
// regex dialect has no way to express "this path or anything under it"
// other than ".*" (which also matches sibling paths sharing the prefix).
func ToRegex(glob string) (string, error) {
	if strings.HasSuffix(glob, "**") && !strings.HasSuffix(glob, "/**") {
		return "", &AmbiguousPatternError{
			Pattern: glob,
			Reason:  "trailing ** must be preceded by a path separator (use \"dir/**\", not \"dir**\")",
		}
	}

	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*\*/`, "(.*/)?")
	escaped = strings.ReplaceAll(escaped, `\*\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\*`, "[^/]*")
	escaped = strings.ReplaceAll(escaped, `\?`, "[^/]")

	return "^" + escaped + "$", nil
}

// MustToRegex is ToRegex for callers that have already validated the
// pattern (e.g. once at config-load time) and want a panic rather than
// a threaded error on an invariant violation.
func MustToRegex(glob string) string {
	re, err := ToRegex(glob)
	if err != nil {
		panic(err)
	}
	return re
}

// ContainsGlobChars reports whether pattern has any glob metacharacters.
func ContainsGlobChars(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]")
}
