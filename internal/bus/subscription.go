package bus

import (
	"strings"

	"github.com/gobwas/glob"
)

// SubscriberFunc receives every event matching a Subscription's patterns.
// Unlike HandlerFunc it never contributes to an emit's returned result; it
// exists purely for observation/fan-out (spec §4.1 "subscribe").
type SubscriberFunc func(rec Record)

// Subscription is a single subscribe() registration.
type Subscription struct {
	ID         string
	Subscriber string
	Patterns   []string
	Namespace  string
	Fn         SubscriberFunc

	matchers []matcher
}

type matcher struct {
	exact   string
	isGlob  bool
	compiled glob.Glob
}

// compilePatterns turns the raw pattern strings into exact-match/glob
// matchers. A pattern containing "*" is compiled with gobwas/glob; anything
// else is compared for equality. This mirrors the teacher's hook dispatch,
// generalized from a single subscriber list to pattern-indexed routing.
func compilePatterns(patterns []string) ([]matcher, error) {
	matchers := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			g, err := glob.Compile(p, ':')
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, matcher{isGlob: true, compiled: g})
			continue
		}
		matchers = append(matchers, matcher{exact: p})
	}
	return matchers, nil
}

// matches reports whether the subscription's patterns (or, absent patterns,
// its namespace prefix) select the given event name.
func (s *Subscription) matches(name string) bool {
	if len(s.matchers) == 0 {
		if s.Namespace == "" {
			return false
		}
		return name == s.Namespace || strings.HasPrefix(name, s.Namespace+":")
	}
	for _, m := range s.matchers {
		if m.isGlob {
			if m.compiled.Match(name) {
				return true
			}
			continue
		}
		if m.exact == name {
			return true
		}
	}
	return false
}
