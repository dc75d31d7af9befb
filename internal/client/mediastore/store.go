// Package mediastore is the durable on-device store for captured video and
// thumbnail bytes, keyed by submission id.
package mediastore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loopflowstudio/cadenza/internal/common"
)

// Kind selects which artifact of a submission a path refers to.
type Kind string

const (
	KindVideo     Kind = "video"
	KindThumbnail Kind = "thumbnail"
)

func (k Kind) filename(id string) string {
	if k == KindThumbnail {
		return id + "_thumb.jpg"
	}
	return id + ".mp4"
}

// Store writes media under a single root directory. Files are written once
// and never mutated in place; a new version requires a new submission id.
type Store struct {
	root string
}

// New ensures the root directory exists and returns a store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o770); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", common.ErrLocalStorage, root, err)
	}
	return &Store{root: root}, nil
}

// Path returns the deterministic location for a submission artifact. The
// file may or may not exist yet; Exists reports only fully committed writes.
func (s *Store) Path(id string, kind Kind) string {
	return filepath.Join(s.root, kind.filename(id))
}

// Save streams r into the store atomically: bytes land in a temp file in the
// same directory, which is renamed over the final path only after a
// successful write and sync. Readers never observe a partial file.
func (s *Store) Save(id string, kind Kind, r io.Reader) (path string, err error) {
	dst := s.Path(id, kind)

	tmp, err := os.CreateTemp(s.root, kind.filename(id)+".tmp*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp: %v", common.ErrLocalStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", common.ErrLocalStorage, dst, err)
	}
	if err = tmp.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync %s: %v", common.ErrLocalStorage, dst, err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", common.ErrLocalStorage, dst, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("%w: commit %s: %v", common.ErrLocalStorage, dst, err)
	}
	return dst, nil
}

// Exists reports whether a fully committed artifact is present.
func (s *Store) Exists(id string, kind Kind) bool {
	info, err := os.Stat(s.Path(id, kind))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the artifacts for id. Removing a submission that has no
// files is not an error.
func (s *Store) Remove(id string) error {
	for _, kind := range []Kind{KindVideo, KindThumbnail} {
		if err := os.Remove(s.Path(id, kind)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", common.ErrLocalStorage, s.Path(id, kind), err)
		}
	}
	return nil
}

// Open returns a reader over a committed artifact.
func (s *Store) Open(id string, kind Kind) (*os.File, error) {
	f, err := os.Open(s.Path(id, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s", common.ErrNotFound, kind, id)
		}
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrLocalStorage, s.Path(id, kind), err)
	}
	return f, nil
}
