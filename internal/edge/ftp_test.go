package edge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// memFTP keeps stored files in memory and records every command.
type memFTP struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     []string
	ops      []string
	quits    int
	failStor string // remote suffix whose Stor fails
	failMove bool
}

func newMemFTP() *memFTP { return &memFTP{files: map[string][]byte{}} }

func (m *memFTP) MakeDir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, p)
	return nil
}

func (m *memFTP) Stor(p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "STOR "+p)
	if err != nil {
		return err
	}
	if m.failStor != "" && strings.HasSuffix(p, m.failStor) {
		m.files[p] = data[:len(data)/2]
		return fmt.Errorf("451 local error in processing")
	}
	m.files[p] = data
	return nil
}

func (m *memFTP) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "RNTO "+to)
	if m.failMove {
		return fmt.Errorf("553 rename refused")
	}
	data, ok := m.files[from]
	if !ok {
		return fmt.Errorf("550 %s not found", from)
	}
	delete(m.files, from)
	m.files[to] = data
	return nil
}

func (m *memFTP) Delete(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "DELE "+p)
	delete(m.files, p)
	return nil
}

func (m *memFTP) Quit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quits++
	return nil
}

func newMemFTPUploader(t *testing.T, base string, srv *memFTP) *FTPUploader {
	t.Helper()
	u, err := NewFTPUploader(&FTPConfig{Host: "nas.local", BasePath: base})
	require.NoError(t, err)
	u.dial = func(context.Context) (ftpConn, error) { return srv, nil }
	return u
}

func scanOne(t *testing.T, withSidecar bool) *PendingFile {
	t.Helper()
	local := t.TempDir()
	p := writeRecording(t, local, "pi-01_20240501_060000.wav", "RIFF-audio", time.Hour, time.Now())
	if withSidecar {
		writeSidecar(t, p, sampleSidecar)
	}
	files, err := NewScanner(local, 0).Scan(nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	return &files[0]
}

func TestNewFTPUploaderDefaults(t *testing.T) {
	t.Parallel()
	u, err := NewFTPUploader(&FTPConfig{Host: "nas.local", BasePath: "/srv/census/"})
	require.NoError(t, err)
	assert.Equal(t, "nas.local:21", u.cfg.Address())
	assert.Equal(t, "/srv/census", u.cfg.BasePath)
	assert.Equal(t, 30*time.Second, u.cfg.Timeout)

	u, err = NewFTPUploader(&FTPConfig{Host: "nas.local"})
	require.NoError(t, err)
	assert.Equal(t, "uploads", u.cfg.BasePath)

	_, err = NewFTPUploader(&FTPConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestFTPUploadRenamesIntoPlace(t *testing.T) {
	t.Parallel()
	srv := newMemFTP()
	u := newMemFTPUploader(t, "/srv/census", srv)

	require.NoError(t, u.Upload(context.Background(), scanOne(t, true)))

	assert.Equal(t, []string{"/srv", "/srv/census", "/srv/census/pi-01"}, srv.dirs)
	assert.Equal(t, []byte("RIFF-audio"), srv.files["/srv/census/pi-01/pi-01_20240501_060000.wav"])
	assert.Contains(t, string(srv.files["/srv/census/pi-01/pi-01_20240501_060000.json"]), "Vanhankaupunginlahti")
	for name := range srv.files {
		assert.NotContains(t, name, "tmp-", "temporary names are renamed away")
	}
	assert.Equal(t, []string{
		"STOR /srv/census/pi-01/tmp-pi-01_20240501_060000.json",
		"RNTO /srv/census/pi-01/pi-01_20240501_060000.json",
		"STOR /srv/census/pi-01/tmp-pi-01_20240501_060000.wav",
		"RNTO /srv/census/pi-01/pi-01_20240501_060000.wav",
	}, srv.ops, "sidecar lands before the recording")
	assert.Equal(t, 1, srv.quits)
}

func TestFTPUploadFailuresRemovePartialFiles(t *testing.T) {
	t.Parallel()

	t.Run("store", func(t *testing.T) {
		t.Parallel()
		srv := newMemFTP()
		srv.failStor = ".wav"
		u := newMemFTPUploader(t, "uploads", srv)

		err := u.Upload(context.Background(), scanOne(t, false))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryUpload))
		assert.Empty(t, srv.files, "the partial temporary file is deleted")
		assert.Contains(t, srv.ops, "DELE uploads/pi-01/tmp-pi-01_20240501_060000.wav")
		assert.Equal(t, 1, srv.quits)
	})

	t.Run("rename", func(t *testing.T) {
		t.Parallel()
		srv := newMemFTP()
		srv.failMove = true
		u := newMemFTPUploader(t, "uploads", srv)

		err := u.Upload(context.Background(), scanOne(t, true))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rename")
		assert.Empty(t, srv.files)
		assert.NotContains(t, srv.ops, "STOR uploads/pi-01/tmp-pi-01_20240501_060000.wav",
			"a failed sidecar stops the recording upload")
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		srv := newMemFTP()
		u := newMemFTPUploader(t, "uploads", srv)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.Error(t, u.Upload(ctx, scanOne(t, false)))
		assert.Empty(t, srv.files)
	})

	t.Run("dial", func(t *testing.T) {
		t.Parallel()
		u := newMemFTPUploader(t, "uploads", newMemFTP())
		u.dial = func(context.Context) (ftpConn, error) {
			return nil, edgeError(fmt.Errorf("ftp: connection failed: refused"), errors.CategoryNetwork, "ftp_connect")
		}
		err := u.Upload(context.Background(), scanOne(t, false))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
	})
}
