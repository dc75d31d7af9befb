package mediastore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopflowstudio/cadenza/internal/common"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "media"))
	require.NoError(t, err)
	return s
}

func TestSave_WritesAtDeterministicPath(t *testing.T) {
	s := newStore(t)

	path, err := s.Save("sub-1", KindVideo, strings.NewReader("mp4 bytes"))
	require.NoError(t, err)
	assert.Equal(t, s.Path("sub-1", KindVideo), path)
	assert.True(t, strings.HasSuffix(path, "sub-1.mp4"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(data))

	thumb, err := s.Save("sub-1", KindThumbnail, bytes.NewReader([]byte{0xff, 0xd8}))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(thumb, "sub-1_thumb.jpg"))
}

func TestSave_FailedWriteLeavesNoPartialFile(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("sub-1", KindVideo, failingReader{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrLocalStorage)

	assert.False(t, s.Exists("sub-1", KindVideo))

	entries, err := os.ReadDir(filepath.Dir(s.Path("sub-1", KindVideo)))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be cleaned up")
}

func TestExists_OnlyAfterCommit(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Exists("sub-1", KindVideo))

	_, err := s.Save("sub-1", KindVideo, strings.NewReader("x"))
	require.NoError(t, err)
	assert.True(t, s.Exists("sub-1", KindVideo))
	assert.False(t, s.Exists("sub-1", KindThumbnail))
}

func TestRemove_Idempotent(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("sub-1", KindVideo, strings.NewReader("x"))
	require.NoError(t, err)
	_, err = s.Save("sub-1", KindThumbnail, strings.NewReader("y"))
	require.NoError(t, err)

	require.NoError(t, s.Remove("sub-1"))
	assert.False(t, s.Exists("sub-1", KindVideo))
	assert.False(t, s.Exists("sub-1", KindThumbnail))

	require.NoError(t, s.Remove("sub-1"), "removing an absent id is not an error")
	require.NoError(t, s.Remove("never-saved"))
}

func TestOpen_MissingArtifact(t *testing.T) {
	s := newStore(t)

	_, err := s.Open("sub-1", KindVideo)
	require.ErrorIs(t, err, common.ErrNotFound)

	_, err = s.Save("sub-1", KindVideo, strings.NewReader("x"))
	require.NoError(t, err)

	f, err := s.Open("sub-1", KindVideo)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk full") }
