package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

// MemoryStore keeps the encoded document in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	data   []byte
	found  bool
	logger *zap.Logger
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{logger: logger}
}

// SetRaw replaces the stored bytes verbatim.
func (s *MemoryStore) SetRaw(data []byte) {
	s.mu.Lock()
	s.data = append([]byte(nil), data...)
	s.found = true
	s.mu.Unlock()
}

func (s *MemoryStore) Read(_ context.Context) (usage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.found {
		return nil, ErrDocumentNotFound
	}
	return decodeDocument(s.data)
}

func (s *MemoryStore) Write(_ context.Context, doc usage.Document) error {
	data, err := encodeDocument(doc, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.found = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, fn func(usage.Document) error) (usage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := decodeForUpdate(s.data, s.found, s.logger)
	if err := fn(doc); err != nil {
		return nil, err
	}
	data, err := encodeDocument(doc, false)
	if err != nil {
		return nil, err
	}
	s.data = data
	s.found = true
	return doc, nil
}

func (s *MemoryStore) Close() error { return nil }
