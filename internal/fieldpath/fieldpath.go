// Package fieldpath defines the typed field-path contract for venue
// records. Every claim addresses one atomic field by path; the registry
// maps paths to value kinds and rejects values whose shape does not match.
package fieldpath

import (
	"regexp"

	"github.com/sells-group/consensus-cli/internal/model"
)

// Kind is the value type of a field path.
type Kind string

const (
	KindWindow Kind = "window" // time window {"start":"15:00","end":"18:00"}
	KindPrice  Kind = "price"  // non-negative number
	KindEnum   Kind = "enum"   // one of a fixed token set
	KindBool   Kind = "bool"
	KindText   Kind = "text"
	KindNumber Kind = "number"
)

// pathPattern is the dot/bracket grammar, e.g. "schedule.weekly.mon[0]".
var pathPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\[\d+\])?(\.[a-z][a-z0-9_]*(\[\d+\])?)*$`)

// rule binds a path pattern to a kind, with an optional enum token set.
type rule struct {
	pattern *regexp.Regexp
	kind    Kind
	tokens  []string
}

// Registry resolves field paths to kinds for one record shape.
type Registry struct {
	rules []rule
}

// statusTokens are the legal values of the top-level status field.
var statusTokens = []string{"active", "discontinued", "seasonal", "unknown", "none"}

// NewVenueRegistry returns the registry for the venue schedule/pricing
// record shape.
func NewVenueRegistry() *Registry {
	mustRule := func(expr string, kind Kind, tokens ...string) rule {
		return rule{pattern: regexp.MustCompile(expr), kind: kind, tokens: tokens}
	}
	day := `(mon|tue|wed|thu|fri|sat|sun)`
	return &Registry{rules: []rule{
		mustRule(`^status$`, KindEnum, statusTokens...),
		mustRule(`^schedule\.weekly\.`+day+`\[\d+\]$`, KindWindow),
		mustRule(`^schedule\.exceptions\[\d+\]\.window$`, KindWindow),
		mustRule(`^schedule\.exceptions\[\d+\]\.date$`, KindText),
		mustRule(`^offers\.(drinks|food)\[\d+\]\.name$`, KindText),
		mustRule(`^offers\.(drinks|food)\[\d+\]\.price$`, KindPrice),
		mustRule(`^offers\.(drinks|food)\[\d+\]\.discount_pct$`, KindNumber),
		mustRule(`^areas\[\d+\]$`, KindText),
		mustRule(`^dine_in_only$`, KindBool),
		mustRule(`^drink_minimum$`, KindBool),
		mustRule(`^fine_print$`, KindText),
		mustRule(`^name$`, KindText),
	}}
}

// KindOf resolves the kind for a path. The second return is false when the
// path is outside the record shape.
func (r *Registry) KindOf(path string) (Kind, bool) {
	if !pathPattern.MatchString(path) {
		return "", false
	}
	for _, ru := range r.rules {
		if ru.pattern.MatchString(path) {
			return ru.kind, true
		}
	}
	return "", false
}

// Validate checks that the path is inside the record shape and the value's
// shape matches the path's kind. Violations are malformed claims.
func (r *Registry) Validate(path string, value any) error {
	if !pathPattern.MatchString(path) {
		return &model.MalformedClaimError{FieldPath: path, Reason: "invalid field path syntax"}
	}
	for _, ru := range r.rules {
		if !ru.pattern.MatchString(path) {
			continue
		}
		if err := checkValue(ru, value); err != nil {
			return &model.MalformedClaimError{FieldPath: path, Reason: err.Error()}
		}
		return nil
	}
	return &model.MalformedClaimError{FieldPath: path, Reason: "unknown field path"}
}
