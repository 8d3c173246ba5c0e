// Package position implements the Position Store: per-file byte offsets and
// last-seen sizes, used by the watcher/parser pipeline for crash-safe
// incremental reads and truncation detection.
package position

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	. "github.com/sqrl-dev/sqrld/internal/logging"
)

// Record is one file's tracked offset and the file size observed when that
// offset was recorded.
type Record struct {
	Position int64 `json:"position"`
	FileSize int64 `json:"file_size"`
}

// Store maps absolute file paths to Records and persists them as a single
// JSON object.
type Store struct {
	mu   sync.Mutex
	path string
	recs map[string]Record
}

// Load reads the store from path. A missing file yields an empty store; a
// malformed file is treated as empty with a warning, matching the original
// daemon's recovery behavior rather than failing startup outright.
func Load(path string) *Store {
	s := &Store{path: path, recs: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			L_warn("position store: failed to read, starting empty", "path", path, "error", err)
		}
		return s
	}

	var recs map[string]Record
	if err := json.Unmarshal(data, &recs); err != nil {
		L_warn("position store: malformed file, starting empty", "path", path, "error", err)
		return s
	}
	s.recs = recs
	return s
}

// StartPosition returns the byte offset to resume reading path from. It
// stats the file itself to detect truncation/rotation: a current length
// smaller than what was recorded means the file was rewritten and reading
// must restart from zero.
func (s *Store) StartPosition(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	length := info.Size()

	s.mu.Lock()
	rec, ok := s.recs[path]
	s.mu.Unlock()

	if !ok {
		return 0, nil
	}
	if length < rec.FileSize {
		return 0, nil
	}
	return rec.Position, nil
}

// SetPosition records the new offset for path along with the file's current
// length.
func (s *Store) SetPosition(path string, newPosition, fileSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[path] = Record{Position: newPosition, FileSize: fileSize}
}

// Save durably persists the full map via write-temp-then-rename.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.recs, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".positions-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
