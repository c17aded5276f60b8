// Package driftmap turns a list of changed paths into rerun advice: which
// fixtures to refresh and which minimal tests and gates cover the change. The
// advice is a pure function of the rule set and the input paths.
package driftmap

import (
	"path"
	"strings"

	"go.engram.dev/engram/go/skerr"
)

// Rule matches changed paths by prefix or glob and names what a match
// requires rerunning. Exactly one of Prefix and Glob must be set.
type Rule struct {
	Prefix string `json:"prefix,omitempty" toml:"prefix"`
	Glob   string `json:"glob,omitempty" toml:"glob"`

	FixtureRefreshCommands []string `json:"fixture_refresh_commands,omitempty" toml:"fixture_refresh_commands"`
	MinimalTests           []string `json:"minimal_tests,omitempty" toml:"minimal_tests"`
	MinimalGates           []string `json:"minimal_gates,omitempty" toml:"minimal_gates"`
}

// Matches reports whether the rule covers the given path.
func (r *Rule) Matches(p string) bool {
	if r.Prefix != "" {
		return strings.HasPrefix(p, r.Prefix)
	}
	ok, err := path.Match(r.Glob, p)
	return err == nil && ok
}

// Map is an ordered rule set. Earlier rules contribute their advice first.
type Map struct {
	Rules []Rule `json:"rules" toml:"rules"`
}

// Validate checks every rule has exactly one matcher and a well-formed glob.
func (m *Map) Validate() error {
	for i, r := range m.Rules {
		if (r.Prefix == "") == (r.Glob == "") {
			return skerr.Fmt("rule %d must set exactly one of prefix and glob", i)
		}
		if r.Glob != "" {
			if _, err := path.Match(r.Glob, "probe"); err != nil {
				return skerr.Wrapf(err, "rule %d has a malformed glob %q", i, r.Glob)
			}
		}
	}
	return nil
}

// Advice is the rerun envelope returned for a change set. Slices are never
// nil so the JSON always carries all three keys.
type Advice struct {
	FixtureRefreshCommands []string `json:"fixture_refresh_commands"`
	MinimalTests           []string `json:"minimal_tests"`
	MinimalGates           []string `json:"minimal_gates"`
}

// Advise aggregates the advice of every rule matched by any changed path.
// Duplicates are dropped; order follows the rule set, then first match.
func (m *Map) Advise(changedPaths []string) *Advice {
	advice := &Advice{
		FixtureRefreshCommands: []string{},
		MinimalTests:           []string{},
		MinimalGates:           []string{},
	}
	seenCommands := map[string]bool{}
	seenTests := map[string]bool{}
	seenGates := map[string]bool{}
	for _, r := range m.Rules {
		matched := false
		for _, p := range changedPaths {
			if r.Matches(p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		for _, c := range r.FixtureRefreshCommands {
			if !seenCommands[c] {
				seenCommands[c] = true
				advice.FixtureRefreshCommands = append(advice.FixtureRefreshCommands, c)
			}
		}
		for _, tst := range r.MinimalTests {
			if !seenTests[tst] {
				seenTests[tst] = true
				advice.MinimalTests = append(advice.MinimalTests, tst)
			}
		}
		for _, g := range r.MinimalGates {
			if !seenGates[g] {
				seenGates[g] = true
				advice.MinimalGates = append(advice.MinimalGates, g)
			}
		}
	}
	return advice
}
