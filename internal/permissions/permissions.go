// Package permissions implements the broker's path-matcher access
// model: four independent matchers (read, actuate, provide, create)
// built from scopes, plus an optional absolute expiry.
package permissions

import (
	"regexp"
	"sync"
	"time"
)

// Action identifies which matcher a scope grants.
type Action int

const (
	ActionRead Action = iota
	ActionActuate
	ActionProvide
	ActionCreate
)

// PathSpec is either the "All" sentinel or a specific dotted-path glob.
type PathSpec struct {
	All  bool
	Glob string
}

// All returns a PathSpec granting every path.
func All() PathSpec { return PathSpec{All: true} }

// Path returns a PathSpec granting paths matching glob.
func Path(glob string) PathSpec { return PathSpec{Glob: glob} }

// matchKind distinguishes the three states a single path matcher can
// be in, mirroring the original's PathMatcher enum.
type matchKind int

const (
	matchNothing matchKind = iota
	matchEverything
	matchRegexSet
)

// pathMatcher is one of {Nothing, Everything, a compiled regex set}.
type pathMatcher struct {
	kind  matchKind
	regex []*regexp.Regexp
}

func (m pathMatcher) isMatch(path string) bool {
	switch m.kind {
	case matchEverything:
		return true
	case matchRegexSet:
		for _, re := range m.regex {
			if re.MatchString(path) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Error is returned by Builder.Build when an accumulated glob fails to
// compile into a regular expression.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "permissions: " + e.Reason }

// CheckError distinguishes why a capability check failed.
type CheckError struct {
	Expired bool
}

func (e *CheckError) Error() string {
	if e.Expired {
		return "permissions expired"
	}
	return "permission denied"
}

// ErrDenied and ErrExpired are sentinel instances for errors.Is checks.
var (
	ErrDenied  = &CheckError{Expired: false}
	ErrExpired = &CheckError{Expired: true}
)

func (e *CheckError) Is(target error) bool {
	t, ok := target.(*CheckError)
	if !ok {
		return false
	}
	return t.Expired == e.Expired
}

// Permissions is an immutable bundle of the four path matchers plus an
// optional absolute expiry. Zero value denies everything and never
// expires; use Builder or AllowAll/AllowNone to construct one.
type Permissions struct {
	expiresAt *time.Time
	read      pathMatcher
	actuate   pathMatcher
	provide   pathMatcher
	create    pathMatcher
}

// ExpiresAt returns the absolute expiry instant, if any.
func (p Permissions) ExpiresAt() (time.Time, bool) {
	if p.expiresAt == nil {
		return time.Time{}, false
	}
	return *p.expiresAt, true
}

func (p Permissions) expired(now time.Time) bool {
	return p.expiresAt != nil && now.After(*p.expiresAt)
}

// Expired reports whether p's absolute expiry, if any, has passed as
// of now. Used by long-lived consumers (subscriptions) that must
// detect expiry between individual capability checks.
func (p Permissions) Expired(now time.Time) bool {
	return p.expired(now)
}

// CanRead reports whether path is readable: read is implicitly
// included in actuate, provide, and create (spec §4.3).
func (p Permissions) CanRead(path string) error {
	return p.CanReadAt(path, time.Now())
}

func (p Permissions) CanReadAt(path string, now time.Time) error {
	if p.expired(now) {
		return ErrExpired
	}
	if p.read.isMatch(path) || p.actuate.isMatch(path) || p.provide.isMatch(path) || p.create.isMatch(path) {
		return nil
	}
	return ErrDenied
}

// CanActuate reports whether the caller may set the actuator target at path.
func (p Permissions) CanActuate(path string) error { return p.canOnly(p.actuate, path, time.Now()) }

// CanProvide reports whether the caller may write the current value at path.
func (p Permissions) CanProvide(path string) error { return p.canOnly(p.provide, path, time.Now()) }

// CanCreate reports whether the caller may register new metadata at path.
// create implies metadata insertion only, not provide (open question,
// spec.md §9: answered "no" — create does not imply provide).
func (p Permissions) CanCreate(path string) error { return p.canOnly(p.create, path, time.Now()) }

func (p Permissions) canOnly(m pathMatcher, path string, now time.Time) error {
	if p.expired(now) {
		return ErrExpired
	}
	if m.isMatch(path) {
		return nil
	}
	return ErrDenied
}

var (
	allowAllOnce  sync.Once
	allowAllVal   Permissions
	allowNoneOnce sync.Once
	allowNoneVal  Permissions
)

// AllowAll returns the well-known singleton granting every action on
// every path, with no expiry.
func AllowAll() Permissions {
	allowAllOnce.Do(func() {
		everything := pathMatcher{kind: matchEverything}
		allowAllVal = Permissions{read: everything, actuate: everything, provide: everything, create: everything}
	})
	return allowAllVal
}

// AllowNone returns the well-known singleton denying every action.
func AllowNone() Permissions {
	allowNoneOnce.Do(func() {
		allowNoneVal = Permissions{}
	})
	return allowNoneVal
}
