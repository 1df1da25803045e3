package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
)

// KeyPrefix starts every snapshot key.
const KeyPrefix = "chat_session_"

// Store persists one conversation snapshot per persona over a KV.
//
// Storage failures never reach the caller: they are logged and the
// in-memory conversation carries on.
type Store struct {
	kv        KV
	namespace string
	logger    *zap.Logger
}

// NewStore wraps kv.
func NewStore(kv KV, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, logger: logger.Named("session")}
}

// Namespaced returns a Store sharing the same KV whose keys are scoped to ns,
// typically a device id.
func (s *Store) Namespaced(ns string) *Store {
	return &Store{kv: s.kv, namespace: ns, logger: s.logger.With(zap.String("namespace", ns))}
}

// Key returns the KV key of a persona's snapshot.
func (s *Store) Key(personaID string) string {
	if s.namespace == "" {
		return KeyPrefix + personaID
	}
	return KeyPrefix + s.namespace + "_" + personaID
}

// Save overwrites the persona's snapshot.
func (s *Store) Save(ctx context.Context, snap chat.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("encode session snapshot", zap.String("persona", snap.PersonaID), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, s.Key(snap.PersonaID), data); err != nil {
		s.logger.Warn("save session snapshot", zap.String("persona", snap.PersonaID), zap.Error(err))
	}
}

// Load returns the persona's snapshot. Missing and unreadable snapshots are
// both reported as absent.
func (s *Store) Load(ctx context.Context, personaID string) (chat.Snapshot, bool) {
	data, found, err := s.kv.Get(ctx, s.Key(personaID))
	if err != nil {
		s.logger.Warn("load session snapshot", zap.String("persona", personaID), zap.Error(err))
		return chat.Snapshot{}, false
	}
	if !found {
		return chat.Snapshot{}, false
	}

	var snap chat.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("discarding unreadable session snapshot", zap.String("persona", personaID), zap.Error(err))
		return chat.Snapshot{}, false
	}
	if snap.PersonaID == "" {
		snap.PersonaID = personaID
	}
	return snap, true
}

// Clear deletes the persona's snapshot.
func (s *Store) Clear(ctx context.Context, personaID string) {
	if err := s.kv.Delete(ctx, s.Key(personaID)); err != nil {
		s.logger.Warn("clear session snapshot", zap.String("persona", personaID), zap.Error(err))
	}
}

// MarkCompleted flags the stored snapshot as completed and locked at the given time.
func (s *Store) MarkCompleted(ctx context.Context, personaID string, at time.Time) {
	s.modify(ctx, personaID, func(snap *chat.Snapshot) {
		end := at
		snap.IsCompleted = true
		snap.IsLocked = true
		snap.EndTime = &end
	})
}

// Lock sets the locked flag without completing the session.
func (s *Store) Lock(ctx context.Context, personaID string) {
	s.modify(ctx, personaID, func(snap *chat.Snapshot) { snap.IsLocked = true })
}

// Unlock clears the locked flag.
func (s *Store) Unlock(ctx context.Context, personaID string) {
	s.modify(ctx, personaID, func(snap *chat.Snapshot) { snap.IsLocked = false })
}

func (s *Store) modify(ctx context.Context, personaID string, fn func(*chat.Snapshot)) {
	snap, ok := s.Load(ctx, personaID)
	if !ok {
		return
	}
	fn(&snap)
	s.Save(ctx, snap)
}
