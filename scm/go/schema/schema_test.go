package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext_ValidPrefixes(t *testing.T) {
	for _, p := range []string{"", "acme", "tenant_2", "a"} {
		_, err := NewContext(p)
		require.NoError(t, err, p)
	}
}

func TestNewContext_InvalidPrefixes(t *testing.T) {
	for _, p := range []string{"Acme", "2tenant", "a-b", "a b", "a;drop"} {
		_, err := NewContext(p)
		require.Error(t, err, p)
	}
}

func TestSearchPath_PrefixedAndFallback(t *testing.T) {
	c, err := NewContext("acme")
	require.NoError(t, err)
	assert.Equal(t,
		"acme_logbook,acme_scm,acme_identity,acme_analysis,acme_governance,public",
		c.SearchPath())

	bare, err := NewContext("")
	require.NoError(t, err)
	assert.Equal(t, "logbook,scm,identity,analysis,governance,public", bare.SearchPath())
}

func TestQualify(t *testing.T) {
	c := Context{Prefix: "acme"}
	assert.Equal(t, "acme_scm", c.Qualify("scm"))
	assert.Equal(t, "governance", Context{}.Qualify("governance"))
}

func TestSchema_AllPlaceholdersAreKnownNamespaces(t *testing.T) {
	ddl := Schema
	for _, ns := range namespaces {
		ddl = strings.ReplaceAll(ddl, "{{"+ns+"}}", "x")
	}
	assert.NotContains(t, ddl, "{{")
}
