package artifacts

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.engram.dev/engram/go/skerr"
)

// FSStore keeps artifacts under a local directory. URIs use the file scheme.
type FSStore struct {
	root string
}

// NewFSStore returns a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) pathFor(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put implements Store. An existing object under the same key is trusted:
// the key embeds the content hash, so equal keys mean equal bytes.
func (s *FSStore) Put(ctx context.Context, ref Ref, data []byte) (*Written, error) {
	sum := SHA256Hex(data)
	key := ref.Key(sum)
	w := &Written{
		Key:       key,
		URI:       "file://" + s.pathFor(key),
		SHA256:    sum,
		SizeBytes: int64(len(data)),
	}

	path := s.pathFor(key)
	if _, err := os.Stat(path); err == nil {
		return w, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, skerr.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, skerr.Wrap(err)
	}
	// Write-then-rename so a crashed writer never leaves a truncated object
	// under a content-addressed key.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, skerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, skerr.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, skerr.Wrap(err)
	}
	return w, nil
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return data, nil
}

// Exists implements Store.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.pathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return true, nil
}
