package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.engram.dev/engram/scm/go/store"
)

var testRef = Ref{
	ProjectKey: "AB",
	RepoID:     7,
	SourceType: "commit",
	SourceID:   "abc123",
	RevOrSHA:   "abc123",
	Ext:        "diff",
}

func TestRef_Key(t *testing.T) {
	sum := SHA256Hex([]byte("diff --git a b"))
	key := testRef.Key(sum)
	assert.Equal(t, "scm/AB/7/commit/abc123/"+sum+".diff", key)
}

func TestEvidenceURI_RoundTrip(t *testing.T) {
	uri := EvidenceURI("commit", "abc123", "deadbeef")
	assert.Equal(t, "memory://patch_blobs/commit/abc123/deadbeef", uri)

	sourceType, sourceID, sum, err := ParseEvidenceURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "commit", sourceType)
	assert.Equal(t, "abc123", sourceID)
	assert.Equal(t, "deadbeef", sum)
}

func TestParseEvidenceURI_Rejects(t *testing.T) {
	_, _, _, err := ParseEvidenceURI("s3://bucket/key")
	assert.Error(t, err)
	_, _, _, err = ParseEvidenceURI("memory://patch_blobs/only/two")
	assert.Error(t, err)
}

func TestFSStore_PutGetExists(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("diff --git a/f b/f\n+line\n")
	w, err := fs.Put(ctx, testRef, data)
	require.NoError(t, err)
	assert.Equal(t, SHA256Hex(data), w.SHA256)
	assert.Equal(t, int64(len(data)), w.SizeBytes)
	assert.True(t, strings.HasPrefix(w.URI, "file://"))

	ok, err := fs.Exists(ctx, w.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := fs.Get(ctx, w.Key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err = fs.Exists(ctx, "scm/AB/7/commit/abc123/unknown.diff")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSStore_Put_Idempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewFSStore(root)
	require.NoError(t, err)

	data := []byte("same bytes")
	first, err := fs.Put(ctx, testRef, data)
	require.NoError(t, err)
	second, err := fs.Put(ctx, testRef, data)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// No stray temp files survive the rewrite.
	dir := filepath.Dir(filepath.Join(root, filepath.FromSlash(first.Key)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFSStore_DifferentContent_DifferentKeys(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	a, err := fs.Put(ctx, testRef, []byte("one"))
	require.NoError(t, err)
	b, err := fs.Put(ctx, testRef, []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestRecord_WritesBlobAndPointer(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	st := store.NewMemoryStore()

	data := []byte("diff content")
	blob, err := Record(ctx, st, fs, testRef, data, "v1")
	require.NoError(t, err)
	assert.Equal(t, "commit", blob.SourceType)
	assert.Equal(t, SHA256Hex(data), blob.SHA256)
	assert.Equal(t, "v1", blob.ChunkingVersion)
	assert.True(t, strings.HasPrefix(blob.ContentURI, "file://"))

	// A retried run records the same blob without error.
	again, err := Record(ctx, st, fs, testRef, data, "v1")
	require.NoError(t, err)
	assert.Equal(t, blob.SHA256, again.SHA256)
}
