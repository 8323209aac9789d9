package config

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// RegexpPrefix marks a scope pattern as a regular expression, which must match the whole scope.
const RegexpPrefix = "{re}"

// Scopes matches op scopes against a list of literal scopes and regular expressions.
// A nil *Scopes matches nothing.
type Scopes struct {
	literals map[string]bool
	patterns []*regexp.Regexp
}

// CompileScopes compiles the scope patterns.
func CompileScopes(patterns []string) (*Scopes, error) {
	s := &Scopes{literals: make(map[string]bool)}
	for _, pattern := range patterns {
		if expr, found := strings.CutPrefix(pattern, RegexpPrefix); found {
			re, err := regexp.Compile("^(?:" + expr + ")$")
			if err != nil {
				return nil, errors.Wrapf(err, "invalid scope regexp %q", pattern)
			}
			s.patterns = append(s.patterns, re)
			continue
		}
		s.literals[pattern] = true
	}
	return s, nil
}

// Empty returns whether there are no patterns.
func (s *Scopes) Empty() bool {
	return s == nil || (len(s.literals) == 0 && len(s.patterns) == 0)
}

// Match returns whether scope matches any of the patterns.
func (s *Scopes) Match(scope string) bool {
	if s == nil {
		return false
	}
	if s.literals[scope] {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(scope) {
			return true
		}
	}
	return false
}

// ScopeFilter decides which ops are compressed: those not ignored, and, if target scopes are given, also
// matching one of them.
type ScopeFilter struct {
	Ignored, Target *Scopes
}

// ScopeFilter compiles the ignored and target scopes of the configuration.
func (c *Compression) ScopeFilter() (*ScopeFilter, error) {
	ignored, err := CompileScopes(c.IgnoredScopes)
	if err != nil {
		return nil, errors.WithMessage(err, "compression.ignored_scopes")
	}
	target, err := CompileScopes(c.TargetScopes)
	if err != nil {
		return nil, errors.WithMessage(err, "compression.target_scopes")
	}
	return &ScopeFilter{Ignored: ignored, Target: target}, nil
}

// Accepts returns whether the op with the given scope should be compressed.
func (f *ScopeFilter) Accepts(scope string) bool {
	if f == nil {
		return true
	}
	if f.Ignored.Match(scope) {
		return false
	}
	return f.Target.Empty() || f.Target.Match(scope)
}
