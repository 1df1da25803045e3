package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store exposes persona retrieval for HTTP handlers and controllers.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the predefined persona list.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	return findByID(s.items, id)
}

func findByID(items []Persona, id string) (Persona, bool) {
	for _, item := range items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

// catalogue is the on-disk layout of a persona file.
type catalogue struct {
	Personas []Persona `yaml:"personas"`
}

// ParseCatalogue decodes and validates a YAML persona catalogue.
func ParseCatalogue(data []byte) ([]Persona, error) {
	var file catalogue
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode persona catalogue: %w", err)
	}
	if len(file.Personas) == 0 {
		return nil, fmt.Errorf("persona catalogue is empty")
	}

	seen := make(map[string]struct{}, len(file.Personas))
	for i, item := range file.Personas {
		if item.ID == "" {
			return nil, fmt.Errorf("persona #%d: id is required", i)
		}
		if item.Name == "" {
			return nil, fmt.Errorf("persona %q: name is required", item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("persona %q: duplicate id", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return file.Personas, nil
}

// FileStore serves personas from a YAML file and can follow edits to it.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	items []Persona
}

// LoadFile reads the catalogue at path.
func LoadFile(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore{path: path, logger: logger.Named("persona")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the catalogue. On failure the previous catalogue stays active.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read persona catalogue %s: %w", s.path, err)
	}
	items, err := ParseCatalogue(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()

	s.logger.Info("persona catalogue loaded", zap.String("path", s.path), zap.Int("personas", len(items)))
	return nil
}

// List returns the current persona list.
func (s *FileStore) List() []Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *FileStore) FindByID(id string) (Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByID(s.items, id)
}

// Watch reloads the catalogue whenever the file changes, until ctx is done.
// The parent directory is watched so that editors replacing the file are seen.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create persona watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("persona catalogue reload failed, keeping previous", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("persona watcher error", zap.Error(err))
		}
	}
}
