// Package scope implements the three-level organization/campaign/project
// namespace used to partition task visibility and authorization.
//
// A scope renders as "org-campaign-project". Any level may be the wildcard
// "*", which matches every value at that level. Scopes attached to stored
// entities (hubs and tasks) must be specific; wildcards only appear in
// filters and authorizations.
package scope

import (
	"fmt"
	"regexp"
	"strings"
)

// Wildcard matches any value at a scope level.
const Wildcard = "*"

var levelPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Scope identifies an organization, campaign and project.
type Scope struct {
	Org      string `json:"org" yaml:"org"`
	Campaign string `json:"campaign" yaml:"campaign"`
	Project  string `json:"project" yaml:"project"`
}

// All matches every scope.
var All = Scope{Org: Wildcard, Campaign: Wildcard, Project: Wildcard}

// Parse parses "org-campaign-project". Missing trailing levels default to
// the wildcard, so "acme" is equivalent to "acme-*-*".
func Parse(s string) (Scope, error) {
	if s == "" {
		return Scope{}, fmt.Errorf("scope cannot be empty")
	}

	parts := strings.Split(s, "-")
	if len(parts) > 3 {
		return Scope{}, fmt.Errorf("invalid scope %q: expected at most 3 levels, got %d", s, len(parts))
	}
	for len(parts) < 3 {
		parts = append(parts, Wildcard)
	}

	sc := Scope{Org: parts[0], Campaign: parts[1], Project: parts[2]}
	if err := sc.Validate(); err != nil {
		return Scope{}, fmt.Errorf("invalid scope %q: %w", s, err)
	}
	return sc, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Scope {
	sc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// String renders the scope as "org-campaign-project".
func (s Scope) String() string {
	return s.Org + "-" + s.Campaign + "-" + s.Project
}

// Validate checks every level is either the wildcard or a valid token.
func (s Scope) Validate() error {
	for _, lvl := range []struct{ name, val string }{
		{"org", s.Org}, {"campaign", s.Campaign}, {"project", s.Project},
	} {
		if lvl.val == Wildcard {
			continue
		}
		if !levelPattern.MatchString(lvl.val) {
			return fmt.Errorf("%s level %q must be %q or match %s", lvl.name, lvl.val, Wildcard, levelPattern)
		}
	}
	return nil
}

// IsZero reports whether no level is set.
func (s Scope) IsZero() bool {
	return s == Scope{}
}

// IsSpecific reports whether no level is a wildcard.
func (s Scope) IsSpecific() bool {
	return s.Org != Wildcard && s.Campaign != Wildcard && s.Project != Wildcard
}

// Matches reports whether two scopes overlap. Each level must be equal or
// a wildcard on either side.
func (s Scope) Matches(other Scope) bool {
	return levelMatches(s.Org, other.Org) &&
		levelMatches(s.Campaign, other.Campaign) &&
		levelMatches(s.Project, other.Project)
}

// Contains reports whether every scope matched by other is also matched by s.
// Used to check a requested filter stays inside an authorization.
func (s Scope) Contains(other Scope) bool {
	return levelContains(s.Org, other.Org) &&
		levelContains(s.Campaign, other.Campaign) &&
		levelContains(s.Project, other.Project)
}

func levelMatches(a, b string) bool {
	return a == Wildcard || b == Wildcard || a == b
}

func levelContains(outer, inner string) bool {
	return outer == Wildcard || outer == inner
}

// MarshalText implements encoding.TextMarshaler.
// The zero Scope encodes as an empty string.
func (s Scope) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string decodes
// to the zero Scope.
func (s *Scope) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = Scope{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Set is a list of scopes treated as a union.
type Set []Scope

// ParseSet parses each string with Parse.
func ParseSet(ss []string) (Set, error) {
	set := make(Set, 0, len(ss))
	for _, s := range ss {
		sc, err := Parse(s)
		if err != nil {
			return nil, err
		}
		set = append(set, sc)
	}
	return set, nil
}

// Matches reports whether any member matches sc.
func (set Set) Matches(sc Scope) bool {
	for _, member := range set {
		if member.Matches(sc) {
			return true
		}
	}
	return false
}

// Restrict narrows the requested scopes to those inside the authorized set.
// A requested scope broader than every authorization is replaced by the
// authorizations it overlaps, so a "*-*-*" request from an identity limited
// to "acme-*-*" becomes "acme-*-*".
func (set Set) Restrict(requested Set) Set {
	if len(requested) == 0 {
		requested = Set{All}
	}

	var out Set
	seen := make(map[Scope]bool)
	add := func(sc Scope) {
		if !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}

	for _, req := range requested {
		for _, auth := range set {
			switch {
			case auth.Contains(req):
				add(req)
			case req.Contains(auth):
				add(auth)
			case auth.Matches(req):
				add(intersect(auth, req))
			}
		}
	}
	return out
}

func intersect(a, b Scope) Scope {
	pick := func(x, y string) string {
		if x == Wildcard {
			return y
		}
		return x
	}
	return Scope{
		Org:      pick(a.Org, b.Org),
		Campaign: pick(a.Campaign, b.Campaign),
		Project:  pick(a.Project, b.Project),
	}
}

// Strings renders each scope.
func (set Set) Strings() []string {
	out := make([]string, len(set))
	for i, sc := range set {
		out[i] = sc.String()
	}
	return out
}
