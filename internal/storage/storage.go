// Package storage keeps uploaded audio files on local disk. All paths are
// relative to the storage root and resolved through os.Root, so a stored
// path can never escape it.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o640

	// UnassignedDir holds recordings uploaded without a device id.
	UnassignedDir = "unassigned"
)

var (
	// ErrTooLarge is returned by Save when the stream exceeds the limit.
	ErrTooLarge = errors.NewStd("file exceeds size limit")
	// ErrNotFound is returned when a relative path does not exist.
	ErrNotFound = errors.NewStd("stored file not found")
)

// FileStore persists recording files.
type FileStore interface {
	// Save streams r to relPath atomically. When limit > 0 and r yields more
	// than limit bytes nothing is left on disk and ErrTooLarge is returned.
	Save(ctx context.Context, relPath string, r io.Reader, limit int64) (int64, error)
	Open(relPath string) (*os.File, error)
	Remove(relPath string) error
	Exists(relPath string) bool
	Usage() (Usage, error)
	Root() string
}

// Usage is the state of the filesystem holding the store.
type Usage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// LocalStore is a FileStore on the local filesystem.
type LocalStore struct {
	root *os.Root
	dir  string
	log  logger.Logger
}

// NewLocalStore opens dir, creating it when missing.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, storageError(err, dir, "resolve_root")
	}
	if err := os.MkdirAll(abs, dirPermissions); err != nil {
		return nil, storageError(err, abs, "create_root")
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, storageError(err, abs, "open_root")
	}
	return &LocalStore{root: root, dir: abs, log: logger.Global().Module("storage")}, nil
}

func (s *LocalStore) Root() string { return s.dir }

// Close releases the root handle.
func (s *LocalStore) Close() error {
	return s.root.Close()
}

func (s *LocalStore) Save(ctx context.Context, relPath string, r io.Reader, limit int64) (int64, error) {
	rel, err := cleanRelative(relPath)
	if err != nil {
		return 0, err
	}
	if dir := path.Dir(rel); dir != "." {
		if err := s.root.MkdirAll(dir, dirPermissions); err != nil {
			return 0, storageError(err, rel, "mkdir")
		}
	}

	tmpName := path.Join(path.Dir(rel), "."+path.Base(rel)+"."+randomSuffix()+".tmp")
	tmp, err := s.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		return 0, storageError(err, rel, "create_temp")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = s.root.Remove(tmpName)
		}
	}()

	src := &contextReader{ctx: ctx, r: r}
	var reader io.Reader = src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(tmp, reader)
	if err != nil {
		return 0, storageError(err, rel, "write")
	}
	if limit > 0 && n > limit {
		return 0, errors.New(ErrTooLarge).
			Component("storage").
			Category(errors.CategoryValidation).
			Context("limit", limit).
			Build()
	}
	if err := tmp.Sync(); err != nil {
		return 0, storageError(err, rel, "fsync")
	}
	if err := tmp.Close(); err != nil {
		return 0, storageError(err, rel, "close")
	}
	if err := s.root.Rename(tmpName, rel); err != nil {
		_ = s.root.Remove(tmpName)
		committed = true
		return 0, storageError(err, rel, "rename")
	}
	committed = true

	s.log.Debug("file stored", logger.String("path", rel), logger.Int64("bytes", n))
	return n, nil
}

func (s *LocalStore) Open(relPath string) (*os.File, error) {
	rel, err := cleanRelative(relPath)
	if err != nil {
		return nil, err
	}
	f, err := s.root.Open(rel)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New(ErrNotFound).
			Component("storage").
			Category(errors.CategoryNotFound).
			Context("path", rel).
			Build()
	}
	if err != nil {
		return nil, storageError(err, rel, "open")
	}
	return f, nil
}

// Remove deletes relPath. A missing file is not an error.
func (s *LocalStore) Remove(relPath string) error {
	rel, err := cleanRelative(relPath)
	if err != nil {
		return err
	}
	if err := s.root.Remove(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageError(err, rel, "remove")
	}
	return nil
}

func (s *LocalStore) Exists(relPath string) bool {
	rel, err := cleanRelative(relPath)
	if err != nil {
		return false
	}
	_, err = s.root.Stat(rel)
	return err == nil
}

func (s *LocalStore) Usage() (Usage, error) {
	u, err := disk.Usage(s.dir)
	if err != nil {
		return Usage{}, storageError(err, s.dir, "disk_usage")
	}
	return Usage{
		Path:        s.dir,
		TotalBytes:  u.Total,
		UsedBytes:   u.Used,
		FreeBytes:   u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName reduces a client supplied file name to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "recording"
	}
	if len(name) > 128 {
		ext := filepath.Ext(name)
		name = name[:128-len(ext)] + ext
	}
	return name
}

// RecordingPath builds <device>/<YYYY-MM-DD>/<id>_<name>.
func RecordingPath(deviceID string, recordedAt time.Time, id, fileName string) string {
	dir := UnassignedDir
	if deviceID != "" {
		dir = SanitizeName(deviceID)
	}
	return path.Join(dir, recordedAt.UTC().Format(time.DateOnly), id+"_"+SanitizeName(fileName))
}

func cleanRelative(p string) (string, error) {
	clean := path.Clean(filepath.ToSlash(p))
	if p == "" || clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Newf("invalid storage path %q", p).
			Component("storage").
			Category(errors.CategoryValidation).
			Build()
	}
	return clean, nil
}

func randomSuffix() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func storageError(err error, p, operation string) error {
	return errors.New(fmt.Errorf("%s %s: %w", operation, p, err)).
		Component("storage").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		Context("path", p).
		Build()
}

// contextReader stops a copy when ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
