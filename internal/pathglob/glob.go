// Package pathglob converts dotted-path globs, where "*" appears only
// as a whole path segment, into anchored regular expressions.
package pathglob

import (
	"regexp"
	"strings"
)

// Error is returned when a glob cannot be compiled into a regular
// expression.
type Error struct {
	Glob   string
	Reason string
}

func (e *Error) Error() string {
	return "glob " + e.Glob + ": " + e.Reason
}

// ToRegexString converts a dotted glob into its anchored regex source,
// without compiling it. Split on ".", replace whole-segment "*" with
// ".*", escape literal dots, and anchor both ends. If the result does
// not already end in ".*", an optional `(\..*)?` is appended so a path
// matches its own subtree (e.g. "Vehicle.Speed" also matches
// "Vehicle.Speed.Sub", but not the sibling "Vehicle.SpeedSensor").
func ToRegexString(glob string) string {
	parts := strings.Split(glob, ".")
	for i, p := range parts {
		if p == "*" {
			parts[i] = ".*"
		} else {
			parts[i] = regexp.QuoteMeta(p)
		}
	}
	re := "^" + strings.Join(parts, `\.`)
	if !strings.HasSuffix(re, ".*") {
		re += `(\..*)?`
	}
	return re + "$"
}

// ToRegex compiles a dotted glob into a *regexp.Regexp. "*" is only
// valid as a standalone path segment; a glob that attempts a partial
// segment wildcard ("Vehicle.As*.Test") still compiles here (this
// function cannot detect that abuse from the string alone — see
// Validate) but yields a regex matching literally, not as a wildcard.
func ToRegex(glob string) (*regexp.Regexp, error) {
	if err := Validate(glob); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(ToRegexString(glob))
	if err != nil {
		return nil, &Error{Glob: glob, Reason: err.Error()}
	}
	return re, nil
}

// Validate reports an error if glob is malformed: empty, or containing
// a segment that mixes "*" with other characters.
func Validate(glob string) error {
	if glob == "" {
		return &Error{Glob: glob, Reason: "empty glob"}
	}
	for _, part := range strings.Split(glob, ".") {
		if part == "" {
			return &Error{Glob: glob, Reason: "empty path segment"}
		}
		if strings.Contains(part, "*") && part != "*" {
			return &Error{Glob: glob, Reason: "\"*\" is only valid as a whole path segment"}
		}
	}
	return nil
}
