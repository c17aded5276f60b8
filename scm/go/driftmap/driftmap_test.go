package driftmap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMap() *Map {
	return &Map{Rules: []Rule{
		{
			Prefix:                 "scm/go/queue/",
			FixtureRefreshCommands: []string{"make regen-queue-fixtures"},
			MinimalTests:           []string{"scm/go/queue", "scm/go/worker"},
			MinimalGates:           []string{"queue-invariants"},
		},
		{
			Glob:         "scm/schemas/*.schema.json",
			MinimalTests: []string{"scm/go/result", "scm/go/queue"},
			MinimalGates: []string{"contract-validation"},
		},
		{
			Prefix:       "scm/go/breaker/",
			MinimalTests: []string{"scm/go/breaker"},
		},
	}}
}

func TestAdvise_PrefixMatch(t *testing.T) {
	advice := testMap().Advise([]string{"scm/go/queue/sql.go"})
	assert.Equal(t, []string{"make regen-queue-fixtures"}, advice.FixtureRefreshCommands)
	assert.Equal(t, []string{"scm/go/queue", "scm/go/worker"}, advice.MinimalTests)
	assert.Equal(t, []string{"queue-invariants"}, advice.MinimalGates)
}

func TestAdvise_GlobMatch(t *testing.T) {
	advice := testMap().Advise([]string{"scm/schemas/scm_sync_result_v2.schema.json"})
	assert.Equal(t, []string{"scm/go/result", "scm/go/queue"}, advice.MinimalTests)
	assert.Equal(t, []string{"contract-validation"}, advice.MinimalGates)
}

func TestAdvise_MultipleRules_DedupesPreservingOrder(t *testing.T) {
	advice := testMap().Advise([]string{
		"scm/go/queue/memory.go",
		"scm/schemas/scm_sync_result_v2.schema.json",
	})
	// "scm/go/queue" appears in both matched rules but only once in the
	// output, at its first position.
	assert.Equal(t, []string{"scm/go/queue", "scm/go/worker", "scm/go/result"}, advice.MinimalTests)
	assert.Equal(t, []string{"queue-invariants", "contract-validation"}, advice.MinimalGates)
}

func TestAdvise_NoMatch_EmptyButNonNil(t *testing.T) {
	advice := testMap().Advise([]string{"docs/README.md"})
	raw, err := json.Marshal(advice)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fixture_refresh_commands":[],"minimal_tests":[],"minimal_gates":[]}`, string(raw))
}

func TestAdvise_Deterministic(t *testing.T) {
	paths := []string{"scm/go/breaker/breaker.go", "scm/go/queue/sql.go"}
	first := testMap().Advise(paths)
	second := testMap().Advise(paths)
	assert.Equal(t, first, second)
}

func TestValidate_RejectsAmbiguousRule(t *testing.T) {
	m := &Map{Rules: []Rule{{Prefix: "a/", Glob: "a/*"}}}
	assert.Error(t, m.Validate())
	m = &Map{Rules: []Rule{{}}}
	assert.Error(t, m.Validate())
}

func TestValidate_RejectsMalformedGlob(t *testing.T) {
	m := &Map{Rules: []Rule{{Glob: "a/[unclosed"}}}
	assert.Error(t, m.Validate())
}
