package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/errors"
)

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "audio"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func listAll(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSaveOpenRemove(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	n, err := s.Save(context.Background(), "dev-1/2024-05-01/a_x.wav", strings.NewReader("RIFF1234"), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)
	assert.True(t, s.Exists("dev-1/2024-05-01/a_x.wav"))
	assert.Equal(t, []string{"dev-1/2024-05-01/a_x.wav"}, listAll(t, s.Root()), "no temp files remain")

	f, err := s.Open("dev-1/2024-05-01/a_x.wav")
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "RIFF1234", string(buf))

	require.NoError(t, s.Remove("dev-1/2024-05-01/a_x.wav"))
	require.NoError(t, s.Remove("dev-1/2024-05-01/a_x.wav"))
	_, err = s.Open("dev-1/2024-05-01/a_x.wav")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOverLimitLeavesNothing(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := s.Save(context.Background(), "big.wav", strings.NewReader(strings.Repeat("x", 101)), 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Empty(t, listAll(t, s.Root()))

	n, err := s.Save(context.Background(), "exact.wav", strings.NewReader(strings.Repeat("x", 100)), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)
}

func TestSaveCancelled(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Save(ctx, "x.wav", strings.NewReader("data"), 0)
	require.Error(t, err)
	assert.Empty(t, listAll(t, s.Root()))
}

func TestPathsStayInsideRoot(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	for _, p := range []string{"", "../escape.wav", "/etc/passwd", "a/../../b"} {
		_, err := s.Save(context.Background(), p, strings.NewReader("x"), 0)
		assert.Error(t, err, p)
	}
}

func TestRecordingPath(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 23, 30, 0, 0, time.FixedZone("X", -2*3600))

	assert.Equal(t, "dev-1/2024-05-02/abc_morning.wav", RecordingPath("dev-1", at, "abc", "morning.wav"))
	assert.Equal(t, "unassigned/2024-05-02/abc_passwd", RecordingPath("", at, "abc", "../../etc/passwd"))
	assert.Equal(t, "recording", SanitizeName("..."))
	assert.Equal(t, "my_file_1_.flac", SanitizeName("my file (1).flac"))
}

func TestUsage(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	u, err := s.Usage()
	require.NoError(t, err)
	assert.Positive(t, u.TotalBytes)
	assert.Equal(t, s.Root(), u.Path)
}
