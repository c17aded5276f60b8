package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldAdvance_NewerTimestamp_Advances(t *testing.T) {
	old := Cursor{Timestamp: "2024-01-15T12:00:00Z", SHA: "aaa"}
	new := Cursor{Timestamp: "2024-01-15T12:00:01Z", SHA: "aaa"}
	assert.True(t, ShouldAdvance(old, new))
	assert.False(t, ShouldAdvance(new, old))
}

func TestShouldAdvance_SameTimestamp_TieBreaksOnSHA(t *testing.T) {
	old := Cursor{Timestamp: "2024-01-15T12:00:00Z", SHA: "aaa"}
	new := Cursor{Timestamp: "2024-01-15T12:00:00Z", SHA: "bbb"}
	assert.True(t, ShouldAdvance(old, new))
	assert.False(t, ShouldAdvance(new, old))
	assert.False(t, ShouldAdvance(old, old))
}

func TestShouldAdvance_ZOffsetAndNumericOffset_AreEqual(t *testing.T) {
	z := Cursor{Timestamp: "2024-01-15T12:00:00Z", SHA: "abc"}
	offset := Cursor{Timestamp: "2024-01-15T12:00:00+00:00", SHA: "abc"}
	assert.Equal(t, 0, Compare(z, offset))
	assert.False(t, ShouldAdvance(z, offset))
	assert.False(t, ShouldAdvance(offset, z))

	// The same instant expressed in another zone also compares equal.
	shifted := Cursor{Timestamp: "2024-01-15T14:00:00+02:00", SHA: "abc"}
	assert.Equal(t, 0, Compare(z, shifted))
}

func TestShouldAdvance_ZeroCursors(t *testing.T) {
	set := Cursor{Timestamp: "2024-01-15T12:00:00Z", SHA: "abc"}
	assert.True(t, ShouldAdvance(Cursor{}, set))
	assert.False(t, ShouldAdvance(set, Cursor{}))
	assert.False(t, ShouldAdvance(Cursor{}, Cursor{}))
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	in := Cursor{Timestamp: "2024-01-15T12:00:00Z", SHA: "r1042", Count: 17}
	b, err := in.Encode()
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := Decode(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestKVKey_ByRepoType(t *testing.T) {
	assert.Equal(t, "gitlab_cursor:7", KVKey("gitlab", 7))
	assert.Equal(t, "gitlab_cursor:9", KVKey("git", 9))
	assert.Equal(t, "svn_cursor:3", KVKey("svn", 3))
}
