package edge

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

const stateVersion = 1

// SyncedFile records one delivered recording.
type SyncedFile struct {
	Size       int64     `json:"size"`
	Method     string    `json:"method"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// SyncState is the persistent record of delivered recordings, keyed by
// file name. Names embed device and timestamp, so they are unique per
// recorder.
type SyncState struct {
	Version    int                   `json:"version"`
	LastSync   time.Time             `json:"last_sync"`
	Files      map[string]SyncedFile `json:"files"`
	TotalBytes int64                 `json:"total_bytes"`
}

// StateManager loads and saves SyncState. Safe for concurrent use.
type StateManager struct {
	path  string
	mu    sync.RWMutex
	state SyncState
	log   logger.Logger
}

// LoadState reads the state file at path. A missing file yields an empty
// state; a corrupt one is an error so that nothing is uploaded twice by
// accident.
func LoadState(path string) (*StateManager, error) {
	sm := &StateManager{
		path:  path,
		state: SyncState{Version: stateVersion, Files: make(map[string]SyncedFile)},
		log:   moduleLogger("state"),
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		sm.log.Info("no sync state found, starting fresh", logger.String("path", path))
		return sm, nil
	case err != nil:
		return nil, edgeError(err, errors.CategoryFileIO, "load_state")
	}
	if err := json.Unmarshal(data, &sm.state); err != nil {
		return nil, edgeError(fmt.Errorf("corrupt sync state %s: %w", path, err), errors.CategoryFileIO, "load_state")
	}
	if sm.state.Files == nil {
		sm.state.Files = make(map[string]SyncedFile)
	}
	return sm, nil
}

// Synced reports whether name was already delivered with the same size.
func (sm *StateManager) Synced(name string, size int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	f, ok := sm.state.Files[name]
	return ok && f.Size == size
}

// Mark records a delivery. Call Save to persist it.
func (sm *StateManager) Mark(name string, size int64, method string, at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.Files[name] = SyncedFile{Size: size, Method: method, UploadedAt: at.UTC()}
	sm.state.TotalBytes += size
	sm.state.LastSync = at.UTC()
}

// Count returns the number of delivered files.
func (sm *StateManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.state.Files)
}

// Snapshot returns a copy of the state.
func (sm *StateManager) Snapshot() SyncState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	cp := sm.state
	cp.Files = maps.Clone(sm.state.Files)
	return cp
}

// Save writes the state to a temporary file and renames it over the
// previous one.
func (sm *StateManager) Save() error {
	snap := sm.Snapshot()
	snap.Version = stateVersion

	if err := os.MkdirAll(filepath.Dir(sm.path), 0o750); err != nil {
		return edgeError(err, errors.CategoryFileIO, "save_state")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return edgeError(err, errors.CategoryFileIO, "save_state")
	}

	tmp := sm.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return edgeError(err, errors.CategoryFileIO, "save_state")
	}
	if err := os.Rename(tmp, sm.path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			sm.log.Warn("failed to clean up temp state file", logger.String("path", tmp), logger.Error(removeErr))
		}
		return edgeError(err, errors.CategoryFileIO, "save_state")
	}
	return nil
}
