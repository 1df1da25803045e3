package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

var (
	// ErrDocumentNotFound is returned by Store.Read when nothing has been persisted yet.
	ErrDocumentNotFound = errors.New("ledger document not found")
	// ErrCorruptDocument is returned by Store.Read when the persisted bytes are not a ledger.
	ErrCorruptDocument = errors.New("ledger document is corrupt")
	// ErrContention is returned when an optimistic update keeps losing races.
	ErrContention = errors.New("ledger update contention")
)

// Store persists the whole ledger document as one unit.
//
// Update must run fn inside a single atomic read-modify-write cycle: no
// other Update on the same store may interleave between the read that
// produced fn's input and the write of fn's result. A missing or corrupt
// document is presented to fn as an empty one. fn may be invoked more than
// once by optimistic implementations and must not have side effects beyond
// the document it is given.
type Store interface {
	Read(ctx context.Context) (usage.Document, error)
	Write(ctx context.Context, doc usage.Document) error
	Update(ctx context.Context, fn func(usage.Document) error) (usage.Document, error)
	Close() error
}

// StoreError reports a persistence failure underneath a ledger operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func decodeDocument(data []byte) (usage.Document, error) {
	var raw map[string]*usage.Record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrCorruptDocument)
	}

	doc := make(usage.Document, len(raw))
	for id, rec := range raw {
		if rec == nil {
			continue
		}
		doc[id] = *rec
	}
	return doc, nil
}

func encodeDocument(doc usage.Document, indent bool) ([]byte, error) {
	if doc == nil {
		doc = usage.Document{}
	}
	if indent {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

// decodeForUpdate turns persisted bytes into the input of an update cycle.
// Absent or unreadable documents start over from empty.
func decodeForUpdate(data []byte, found bool, logger *zap.Logger) usage.Document {
	if !found {
		return usage.Document{}
	}
	doc, err := decodeDocument(data)
	if err != nil {
		logger.Warn("discarding corrupt ledger document", zap.Error(err))
		return usage.Document{}
	}
	return doc
}
