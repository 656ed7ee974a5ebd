package state

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/depsyncd/internal/install"
)

const inventorySuffix = ".log"

// Record is the persisted state of one dependency
type Record struct {
	ID        string
	Inventory []string
}

// Store persists per-dependency content identifiers and installed-file
// inventories below an installation's .toolbox directory.
type Store struct {
	hashDir string
	logDir  string
	logger  *slog.Logger
}

// NewStore creates a store for the given installation
func NewStore(inst *install.Installation, logger *slog.Logger) *Store {
	return &Store{
		hashDir: inst.HashPath(),
		logDir:  inst.LogPath(),
		logger:  logger,
	}
}

// IDPath returns the identifier file of a dependency
func (s *Store) IDPath(name string) string {
	return filepath.Join(s.hashDir, name)
}

// InventoryPath returns the inventory log of a dependency
func (s *Store) InventoryPath(name string) string {
	return filepath.Join(s.logDir, name+inventorySuffix)
}

// Load returns the last stored identifier. A missing, unreadable or empty
// file is reported as no prior state.
func (s *Store) Load(name string) (string, bool) {
	data, err := os.ReadFile(s.IDPath(name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("ignoring unreadable identifier file", "dependency", name, "error", err)
		}
		return "", false
	}

	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", false
	}
	return id, true
}

// Inventory returns the paths recorded by the last install, or nil.
func (s *Store) Inventory(name string) []string {
	data, err := os.ReadFile(s.InventoryPath(name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("ignoring unreadable inventory", "dependency", name, "error", err)
		}
		return nil
	}

	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("ignoring unreadable inventory", "dependency", name, "error", err)
		return nil
	}
	return paths
}

// Get returns the full record of a dependency
func (s *Store) Get(name string) (Record, bool) {
	id, ok := s.Load(name)
	return Record{ID: id, Inventory: s.Inventory(name)}, ok
}

// Save persists the identifier and inventory of a successful install. The
// inventory is written before the identifier so that an updated identifier
// always describes the inventory on disk.
func (s *Store) Save(name, id string, inventory []string) error {
	var buf bytes.Buffer
	for _, path := range inventory {
		buf.WriteString(path)
		buf.WriteByte('\n')
	}

	if err := writeFileAtomic(s.InventoryPath(name), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save inventory for %s: %w", name, err)
	}
	if err := writeFileAtomic(s.IDPath(name), []byte(id)); err != nil {
		return fmt.Errorf("failed to save identifier for %s: %w", name, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it and renames it over path
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".state-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
