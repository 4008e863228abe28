package settings

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const defaultFileName = "mcp_settings.json"

// ChangeCallback is invoked with the newly-saved document whenever Save
// succeeds. Subscribe returns an unsubscribe func.
type ChangeCallback func(*Settings)

// Store implements spec.md §4.1: load/expand/validate/persist the
// configuration document and notify subscribers on change. Grounded on
// the teacher's internal/config loader.go (path resolution, atomic
// temp-file+rename writer) generalized to the MCPHub document shape.
type Store struct {
	path   string
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[int]ChangeCallback
	nextSubID   int
}

// NewStore resolves the settings file path per spec.md §6: an explicit
// path argument wins, then MCPHUB_SETTING_PATH (file or directory), then
// the current working directory, then the package root (the directory
// containing go.mod, approximated here by the binary's working
// directory since MCPHub has no embedded package-root marker).
func NewStore(explicitPath string, logger *zap.Logger) *Store {
	return &Store{
		path:        resolvePath(explicitPath),
		logger:      logger,
		subscribers: make(map[int]ChangeCallback),
	}
}

func resolvePath(explicitPath string) string {
	if explicitPath != "" {
		if info, err := os.Stat(explicitPath); err == nil && info.IsDir() {
			return filepath.Join(explicitPath, defaultFileName)
		}
		return explicitPath
	}

	if envPath := os.Getenv("MCPHUB_SETTING_PATH"); envPath != "" {
		if info, err := os.Stat(envPath); err == nil && info.IsDir() {
			return filepath.Join(envPath, defaultFileName)
		}
		return envPath
	}

	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, defaultFileName)
	}

	return defaultFileName
}

// Path returns the resolved settings file path.
func (s *Store) Path() string { return s.path }

// Load reads the document, parses it, and expands every environment
// variable reference. A missing file is not fatal: it synthesises a
// Default() document instead (spec.md §4.1 failure semantics).
func (s *Store) Load() (*Settings, error) {
	doc, err := s.loadRaw()
	if err != nil {
		return nil, err
	}
	return ExpandEnv(doc)
}

// LoadOriginal reads the document without variable expansion, used for
// export/round-trip (spec.md §4.1, testable property 3).
func (s *Store) LoadOriginal() (*Settings, error) {
	return s.loadRaw()
}

func (s *Store) loadRaw() (*Settings, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return Default(), nil
	}

	doc := Default()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	return doc, nil
}

// Save validates doc, writes it atomically, then publishes the change to
// subscribers. On validation or write failure the on-disk file is left
// untouched (spec.md §4.1 failure semantics).
func (s *Store) Save(doc *Settings) error {
	if err := Validate(doc); err != nil {
		return fmt.Errorf("settings: invalid document: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}

	s.publish(doc)
	return nil
}

// Subscribe registers callback to run after every successful Save. The
// returned function unsubscribes it.
func (s *Store) Subscribe(callback ChangeCallback) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = callback

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) publish(doc *Settings) {
	s.mu.Lock()
	callbacks := make([]ChangeCallback, 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(doc)
	}
}

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by an atomic rename, so concurrent readers never
// observe a partially written document. Grounded on the teacher's
// internal/config/loader.go atomicWriteFile.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return fmt.Errorf("generate temp suffix: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmpPath := filepath.Join(dir, filepath.Base(path)+".tmp."+hex.EncodeToString(randBytes))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	f = nil

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
