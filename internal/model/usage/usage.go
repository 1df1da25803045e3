package usage

import (
	"errors"
	"fmt"
	"strings"
)

// EventKind 标识一次账本更新对应的会话事件。
type EventKind string

const (
	KindConversationStart     EventKind = "conversation_start"
	KindUserMessage           EventKind = "user_message"
	KindConversationCompleted EventKind = "conversation_completed"
)

// Kinds lists every recognised event kind in wire order.
func Kinds() []EventKind {
	return []EventKind{KindConversationStart, KindUserMessage, KindConversationCompleted}
}

// Valid reports whether k is one of the recognised kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindConversationStart, KindUserMessage, KindConversationCompleted:
		return true
	default:
		return false
	}
}

// ErrInvalidEvent is wrapped by every validation failure of an Event.
var ErrInvalidEvent = errors.New("invalid usage event")

// Event describes one ledger update. PromptText and ReplyText only count
// toward token estimates when both are non-empty.
type Event struct {
	PersonaID   string    `json:"botId"`
	DisplayName string    `json:"botName"`
	Kind        EventKind `json:"type"`
	PromptText  string    `json:"inputText,omitempty"`
	ReplyText   string    `json:"outputText,omitempty"`
}

// HasExchange reports whether the event carries both sides of a generation call.
func (e Event) HasExchange() bool {
	return e.PromptText != "" && e.ReplyText != ""
}

// Validate checks the required fields of the event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.PersonaID) == "" {
		return fmt.Errorf("%w: missing persona id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.DisplayName) == "" {
		return fmt.Errorf("%w: missing display name", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Record holds the accumulated counters of one persona.
type Record struct {
	Name                   string  `json:"name"`
	ConversationStarts     int64   `json:"conversationStarts"`
	UserMessages           int64   `json:"userMessages"`
	CompletedConversations int64   `json:"completedConversations"`
	EstimatedInputTokens   int64   `json:"estimatedInputTokens"`
	EstimatedOutputTokens  int64   `json:"estimatedOutputTokens"`
	TotalCost              float64 `json:"totalCost"`
}

// NewRecord returns a zeroed record labelled with name.
func NewRecord(name string) Record {
	return Record{Name: name}
}

// Document is the whole persisted ledger keyed by persona id.
type Document map[string]Record

// Clone returns an independent copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for id, rec := range d {
		out[id] = rec
	}
	return out
}

// Seed names one persona that a reset should create.
type Seed struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Zeroed builds a document holding exactly the seeded personas.
func Zeroed(seeds []Seed) Document {
	doc := make(Document, len(seeds))
	for _, seed := range seeds {
		doc[seed.ID] = NewRecord(seed.Name)
	}
	return doc
}
