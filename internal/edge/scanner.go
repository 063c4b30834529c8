package edge

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/myaudio"
	"github.com/tphakala/birdnet-census/internal/recording"
)

// Scanner finds completed recordings under a watch directory. A file is
// complete when it is older than MinAge and its size did not change since
// the previous scan by the same Scanner.
type Scanner struct {
	dir    string
	minAge time.Duration
	now    func() time.Time
	log    logger.Logger

	mu    sync.Mutex
	sizes map[string]int64
}

func NewScanner(dir string, minAge time.Duration) *Scanner {
	return &Scanner{
		dir:    dir,
		minAge: minAge,
		now:    time.Now,
		log:    moduleLogger("scanner"),
		sizes:  make(map[string]int64),
	}
}

// Scan returns the completed recordings that skip does not reject, oldest
// first. Files not following the <device>_<YYYYmmdd_HHMMSS> pattern are
// ignored.
func (s *Scanner) Scan(skip func(name string, size int64) bool) ([]PendingFile, error) {
	now := s.now()
	var out []PendingFile
	seen := make(map[string]int64)

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.dir {
				return err
			}
			s.log.Warn("skipping unreadable entry", logger.String("path", path), logger.Error(err))
			return nil
		}
		if d.IsDir() {
			if path != s.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || !myaudio.IsSupportedFormat(myaudio.FormatFromPath(name)) {
			return nil
		}
		device, recordedAt, ok := recording.ParseFileName(name)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		size := info.Size()
		seen[path] = size
		if size == 0 || now.Sub(info.ModTime()) < s.minAge || !s.stable(path, size) {
			return nil
		}
		if skip != nil && skip(name, size) {
			return nil
		}

		pf := PendingFile{
			Path:       path,
			Name:       name,
			DeviceID:   device,
			RecordedAt: recordedAt,
			Size:       size,
			ModTime:    info.ModTime(),
		}
		s.attachSidecar(&pf)
		out = append(out, pf)
		return nil
	})
	if err != nil {
		return nil, edgeError(err, errors.CategoryFileIO, "scan")
	}

	s.mu.Lock()
	s.sizes = seen
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b PendingFile) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// stable reports whether size matches the previous observation. A file
// seen for the first time counts as stable; MinAge covers that case.
func (s *Scanner) stable(path string, size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sizes[path]
	return !ok || prev == size
}

func sidecarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
}

func (s *Scanner) attachSidecar(pf *PendingFile) {
	p := sidecarPath(pf.Path)
	data, err := os.ReadFile(p)
	if err != nil {
		return
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		s.log.Warn("ignoring malformed sidecar", logger.String("path", p), logger.Error(err))
		return
	}
	pf.SidecarPath = p
	pf.Sidecar = &sc
}
