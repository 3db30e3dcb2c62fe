// Package checkpoint persists per-file import progress so an interrupted import
// resumes where it stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPath is the checkpoint file used when none is configured.
const DefaultPath = "import-state.json"

// State is the progress of one source file. ProcessedLines counts logical
// records consumed after the header, including skipped rows.
type State struct {
	ProcessedLines int64      `json:"processed_lines"`
	Completed      bool       `json:"completed"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Store is durable checkpoint state keyed by source file.
type Store interface {
	Get(file string) (State, bool)
	Put(file string, state State) error
	Reset() error
	All() map[string]State
}

type FileStoreConfig struct {
	Logger *slog.Logger
	Path   string
	Clock  clockwork.Clock
}

func (cfg *FileStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// FileStore keeps the whole mapping in memory and rewrites the JSON file on
// every Put. The file is replaced by rename so a crash leaves either the old
// or the new contents.
type FileStore struct {
	log *slog.Logger
	cfg FileStoreConfig

	mu     sync.Mutex
	states map[string]State
}

// NewFileStore loads the checkpoint file. A missing file is an empty state; an
// unreadable or corrupt one is an error.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate checkpoint config: %w", err)
	}
	s := &FileStore{
		log:    cfg.Logger,
		cfg:    cfg,
		states: make(map[string]State),
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("checkpoint: no state file, starting fresh", "path", cfg.Path)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.states); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint file %s: %w", cfg.Path, err)
		}
	}
	s.log.Debug("checkpoint: loaded state", "path", cfg.Path, "files", len(s.states))
	return s, nil
}

func (s *FileStore) Path() string {
	return s.cfg.Path
}

func (s *FileStore) Get(file string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[file]
	return st, ok
}

// All returns a copy of every file's state.
func (s *FileStore) All() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states)
}

// Put records the state for file and persists the full mapping before
// returning. On a write failure the in-memory state is rolled back.
func (s *FileStore) Put(file string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now().UTC()
	state.UpdatedAt = &now

	prev, existed := s.states[file]
	s.states[file] = state
	if err := s.flushLocked(); err != nil {
		if existed {
			s.states[file] = prev
		} else {
			delete(s.states, file)
		}
		return err
	}
	return nil
}

// Reset clears every file's state and removes the checkpoint file.
func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = make(map[string]State)
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	s.log.Info("checkpoint: state reset", "path", s.cfg.Path)
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFileAtomic(s.cfg.Path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename has happened.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// MemoryStore is a non-durable Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(file string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[file]
	return st, ok
}

func (s *MemoryStore) Put(file string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[file] = state
	return nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]State)
	return nil
}

func (s *MemoryStore) All() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states)
}
