// Package dedup tracks already-processed message identifiers: a
// per-folder list of transport ids plus a global list of message-ids,
// each bounded with FIFO eviction. The state is persisted as a JSON
// file written atomically, so a crash mid-write cannot corrupt the
// previously committed state.
package dedup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// state is the persisted shape:
// {"folders": {"<folder>": {"uids": [...]}}, "msgids": [...]}.
type state struct {
	Folders map[string]*folderState `json:"folders"`
	MsgIDs  []string                `json:"msgids"`
}

type folderState struct {
	UIDs []string `json:"uids"`
}

// Store is the in-memory dedup structure bound to its backing file.
// It is owned exclusively by the sync loop; no locking.
type Store struct {
	path   string
	limit  int
	logger *slog.Logger
	data   state
}

// Open loads the dedup state from path. A missing or malformed file
// yields an empty structure, never an error.
func Open(path string, limit int, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		limit:  limit,
		logger: logger,
		data: state{
			Folders: make(map[string]*folderState),
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading dedup state, starting empty",
				"path", path, "error", err)
		}
		return s
	}

	var loaded state
	if err := json.Unmarshal(raw, &loaded); err != nil {
		logger.Warn("malformed dedup state, starting empty",
			"path", path, "error", err)
		return s
	}

	if loaded.Folders == nil {
		loaded.Folders = make(map[string]*folderState)
	}
	s.data = loaded
	return s
}

// IsSeen reports whether messageID appears anywhere in the global
// processed list, or id in the folder's processed list.
func (s *Store) IsSeen(id, messageID, folder string) bool {
	if messageID != "" && contains(s.data.MsgIDs, messageID) {
		return true
	}
	if fs, ok := s.data.Folders[folder]; ok {
		return contains(fs.UIDs, id)
	}
	return false
}

// MarkSeen records id under folder and messageID globally. An entry
// already present anywhere in its list is not re-appended (true set
// membership, not just a last-entry check), then each list is trimmed
// to the cap by dropping its oldest entries.
func (s *Store) MarkSeen(id, messageID, folder string) {
	fs, ok := s.data.Folders[folder]
	if !ok {
		fs = &folderState{}
		s.data.Folders[folder] = fs
	}

	if id != "" && !contains(fs.UIDs, id) {
		fs.UIDs = append(fs.UIDs, id)
	}
	if messageID != "" && !contains(s.data.MsgIDs, messageID) {
		s.data.MsgIDs = append(s.data.MsgIDs, messageID)
	}

	fs.UIDs = trim(fs.UIDs, s.limit)
	s.data.MsgIDs = trim(s.data.MsgIDs, s.limit)
}

// Save serializes the state and writes it via a temporary file and an
// atomic rename. A failed save is the caller's to log; processing
// continues on the in-memory state.
func (s *Store) Save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dedup state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	tmp := s.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing dedup state %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing dedup state %s: %w", s.path, err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, entry := range list {
		if entry == v {
			return true
		}
	}
	return false
}

// trim drops the oldest entries beyond limit. A non-positive limit
// leaves the list unbounded.
func trim(list []string, limit int) []string {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	return list[len(list)-limit:]
}
