// Package artifacts stores content-addressed diff blobs. Keys embed the
// sha256 of the content, so writing the same bytes twice is a no-op on every
// backend.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/store"
)

// Ref names the artifact being written, minus the content hash.
type Ref struct {
	ProjectKey string
	RepoID     int64
	SourceType string // "commit", "mr", or "svn_rev"
	SourceID   string
	RevOrSHA   string
	Ext        string // without the dot: "diff", "diffstat", or "ministat"
}

// Key builds the content-addressed object key for the given hash.
func (r Ref) Key(sha256Hex string) string {
	return fmt.Sprintf("scm/%s/%d/%s/%s/%s.%s",
		r.ProjectKey, r.RepoID, r.SourceType, r.RevOrSHA, sha256Hex, r.Ext)
}

// Written describes a stored artifact.
type Written struct {
	Key       string
	URI       string
	SHA256    string
	SizeBytes int64
}

// Store is the artifact backend contract.
type Store interface {
	// Put writes the blob under its content-addressed key. Rewriting
	// identical content is a no-op.
	Put(ctx context.Context, ref Ref, data []byte) (*Written, error)

	// Get returns the blob bytes for a key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// SHA256Hex hashes blob content the way keys expect it.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EvidenceURI is the stable reference stored in audit evidence and run
// outcomes. It points at the patch_blobs row, not the backend object.
func EvidenceURI(sourceType, sourceID, sha256Hex string) string {
	return "memory://patch_blobs/" + sourceType + "/" + sourceID + "/" + sha256Hex
}

// ParseEvidenceURI splits an evidence URI back into its parts.
func ParseEvidenceURI(uri string) (sourceType, sourceID, sha256Hex string, err error) {
	rest, ok := strings.CutPrefix(uri, "memory://patch_blobs/")
	if !ok {
		return "", "", "", skerr.Fmt("not an evidence URI: %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", skerr.Fmt("malformed evidence URI: %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// Record writes the blob to the backend and inserts the pointer row. Both
// sides are idempotent, so a retried run converges on the same state.
func Record(ctx context.Context, st store.Store, backend Store, ref Ref, data []byte, chunkingVersion string) (*store.PatchBlob, error) {
	w, err := backend.Put(ctx, ref, data)
	if err != nil {
		return nil, skerr.Wrapf(err, "storing artifact for %s %s", ref.SourceType, ref.SourceID)
	}
	blob := &store.PatchBlob{
		SourceType:      ref.SourceType,
		SourceID:        ref.SourceID,
		SHA256:          w.SHA256,
		ContentURI:      w.URI,
		Ext:             ref.Ext,
		SizeBytes:       w.SizeBytes,
		ChunkingVersion: chunkingVersion,
	}
	if err := st.InsertPatchBlob(ctx, blob); err != nil {
		return nil, skerr.Wrap(err)
	}
	return blob, nil
}
