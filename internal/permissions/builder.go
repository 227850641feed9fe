package permissions

import (
	"regexp"
	"time"

	"github.com/vehiclebroker/databroker/internal/pathglob"
)

// matcherBuilder accumulates globs (or an "everything" promotion) for
// a single action before being compiled into a pathMatcher.
type matcherBuilder struct {
	kind  matchKind
	globs []string
}

// addAll irrevocably promotes the builder to Everything.
func (b *matcherBuilder) addAll() {
	b.kind = matchEverything
	b.globs = nil
}

// addGlob accumulates a glob into the builder's regex set, unless
// already promoted to Everything.
func (b *matcherBuilder) addGlob(glob string) {
	if b.kind == matchEverything {
		return
	}
	b.kind = matchRegexSet
	b.globs = append(b.globs, glob)
}

func (b *matcherBuilder) build() (pathMatcher, error) {
	switch b.kind {
	case matchEverything:
		return pathMatcher{kind: matchEverything}, nil
	case matchRegexSet:
		regexes := make([]*regexp.Regexp, 0, len(b.globs))
		for _, g := range b.globs {
			if err := pathglob.Validate(g); err != nil {
				return pathMatcher{}, &Error{Reason: err.Error()}
			}
			re, err := regexp.Compile(pathglob.ToRegexString(g))
			if err != nil {
				return pathMatcher{}, &Error{Reason: err.Error()}
			}
			regexes = append(regexes, re)
		}
		return pathMatcher{kind: matchRegexSet, regex: regexes}, nil
	default:
		return pathMatcher{kind: matchNothing}, nil
	}
}

// Builder accumulates (Action, PathSpec) pairs and an optional expiry
// into an immutable Permissions value.
type Builder struct {
	expiresAt *time.Time
	read      matcherBuilder
	actuate   matcherBuilder
	provide   matcherBuilder
	create    matcherBuilder
}

// NewBuilder returns an empty permission builder (denies everything
// until scopes are added).
func NewBuilder() *Builder {
	return &Builder{}
}

// ExpiresAt sets the absolute expiry instant.
func (b *Builder) ExpiresAt(t time.Time) *Builder {
	b.expiresAt = &t
	return b
}

// Add grants action over spec. Adding All() to a matcher irrevocably
// promotes it to Everything; subsequent globs for that action are then
// no-ops (already allows everything).
func (b *Builder) Add(action Action, spec PathSpec) *Builder {
	mb := b.matcherFor(action)
	if spec.All {
		mb.addAll()
	} else if spec.Glob != "" {
		mb.addGlob(spec.Glob)
	}
	return b
}

func (b *Builder) matcherFor(action Action) *matcherBuilder {
	switch action {
	case ActionRead:
		return &b.read
	case ActionActuate:
		return &b.actuate
	case ActionProvide:
		return &b.provide
	case ActionCreate:
		return &b.create
	default:
		panic("permissions: unknown action")
	}
}

// Build compiles the accumulated scopes into an immutable Permissions
// value, failing if any accumulated glob does not compile.
func (b *Builder) Build() (Permissions, error) {
	read, err := b.read.build()
	if err != nil {
		return Permissions{}, err
	}
	actuate, err := b.actuate.build()
	if err != nil {
		return Permissions{}, err
	}
	provide, err := b.provide.build()
	if err != nil {
		return Permissions{}, err
	}
	create, err := b.create.build()
	if err != nil {
		return Permissions{}, err
	}
	return Permissions{
		expiresAt: b.expiresAt,
		read:      read,
		actuate:   actuate,
		provide:   provide,
		create:    create,
	}, nil
}
