package sourcestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestFSStore_SourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	key, err := s.WriteSource(ctx, "c_0123456789ab", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "corpora/c_0123456789ab/source.txt", key)

	text, err := s.ReadSource(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	_, err = os.Stat(filepath.Join(s.root, "corpora", "c_0123456789ab", "source.txt.tmp"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFSStore_ReadSourceMissing(t *testing.T) {
	s := newTestFS(t)

	_, err := s.ReadSource(context.Background(), SourceKey("c_missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	_, err := s.WriteSource(ctx, "../escape", "x")
	assert.Error(t, err)

	_, err = s.ReadSource(ctx, "../../etc/passwd")
	assert.Error(t, err)

	assert.Error(t, s.AppendAttemptLog(ctx, "c_1", "..", "x"))
}

func TestFSStore_AttemptLog(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	lines, err := s.ReadAttemptLog(ctx, "c_1", "a_1")
	require.NoError(t, err)
	assert.Empty(t, lines)

	require.NoError(t, s.AppendAttemptLog(ctx, "c_1", "a_1", "Build started"))
	require.NoError(t, s.AppendAttemptLog(ctx, "c_1", "a_1", "Build failed:\nboom"))

	lines, err = s.ReadAttemptLog(ctx, "c_1", "a_1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Build started",
		"Build failed: boom",
	}, lines)
}

func TestFSStore_DeleteCorpus(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	key, err := s.WriteSource(ctx, "c_1", "text")
	require.NoError(t, err)
	require.NoError(t, s.AppendAttemptLog(ctx, "c_1", "a_1", "line"))
	_, err = s.WriteSource(ctx, "c_2", "other")
	require.NoError(t, err)

	require.NoError(t, s.DeleteCorpus(ctx, "c_1"))
	require.NoError(t, s.DeleteCorpus(ctx, "c_1"))

	_, err = s.ReadSource(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	text, err := s.ReadSource(ctx, SourceKey("c_2"))
	require.NoError(t, err)
	assert.Equal(t, "other", text)
}

func TestNew_Provider(t *testing.T) {
	s, err := New(context.Background(), Config{FS: FSConfig{DataDir: t.TempDir()}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)

	_, err = New(context.Background(), Config{Provider: "gcs"}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Provider: ProviderFS}, nil)
	assert.Error(t, err)
}
