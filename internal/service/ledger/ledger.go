package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

// Pricing holds the USD rates per one million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing matches gpt-4o-mini list prices.
var DefaultPricing = Pricing{InputPerMillion: 0.15, OutputPerMillion: 0.60}

// Cost returns the USD cost of the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * p.InputPerMillion
	outputCost := float64(outputTokens) / 1_000_000 * p.OutputPerMillion
	return inputCost + outputCost
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + 3) / 4
}

// Observer is notified after every successful Record. Per persona,
// observers see records in the order they were applied; a record that
// loses the race to a newer one is not delivered. Observers run while
// notification is serialized and must not call back into the Ledger.
type Observer func(personaID string, rec usage.Record)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPricing overrides DefaultPricing.
func WithPricing(p Pricing) Option {
	return func(l *Ledger) { l.pricing = p }
}

// WithLogger sets the logger used for self-healing and observer reports.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger applies usage events to the persisted per-persona counters.
type Ledger struct {
	store   Store
	pricing Pricing
	logger  *zap.Logger

	mu        sync.RWMutex
	observers []Observer

	seq        atomic.Uint64
	notifyMu   sync.Mutex
	lastNotify map[string]uint64
}

// New wraps store. The ledger takes ownership of the store; Close releases it.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		pricing: DefaultPricing,
		logger:  zap.NewNop(),

		lastNotify: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("ledger")
	return l
}

// Pricing returns the rates used for cost accumulation.
func (l *Ledger) Pricing() Pricing {
	return l.pricing
}

// Subscribe registers an observer for recorded events.
func (l *Ledger) Subscribe(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// Record applies ev to the persona's record, creating it on first sight,
// and returns the updated record.
func (l *Ledger) Record(ctx context.Context, ev usage.Event) (usage.Record, error) {
	if err := ev.Validate(); err != nil {
		return usage.Record{}, err
	}

	var (
		updated usage.Record
		seq     uint64
	)
	_, err := l.store.Update(ctx, func(doc usage.Document) error {
		rec, ok := doc[ev.PersonaID]
		if !ok {
			rec = usage.NewRecord(ev.DisplayName)
		}
		rec.Name = ev.DisplayName
		l.apply(&rec, ev)
		doc[ev.PersonaID] = rec
		updated = rec
		// 在存储事务内取号，与写入顺序一致
		seq = l.seq.Add(1)
		return nil
	})
	if err != nil {
		return usage.Record{}, &StoreError{Op: "record", Err: err}
	}

	l.logger.Debug("usage recorded",
		zap.String("persona", ev.PersonaID),
		zap.String("kind", string(ev.Kind)),
		zap.Float64("total_cost", updated.TotalCost))
	l.notify(ev.PersonaID, updated, seq)
	return updated, nil
}

func (l *Ledger) apply(rec *usage.Record, ev usage.Event) {
	switch ev.Kind {
	case usage.KindConversationStart:
		rec.ConversationStarts++
	case usage.KindUserMessage:
		rec.UserMessages++
	case usage.KindConversationCompleted:
		rec.CompletedConversations++
		return
	}

	if !ev.HasExchange() {
		return
	}
	inputTokens := EstimateTokens(ev.PromptText)
	outputTokens := EstimateTokens(ev.ReplyText)
	rec.EstimatedInputTokens += inputTokens
	rec.EstimatedOutputTokens += outputTokens
	rec.TotalCost += l.pricing.Cost(inputTokens, outputTokens)
}

func (l *Ledger) notify(personaID string, rec usage.Record, seq uint64) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if seq <= l.lastNotify[personaID] {
		l.logger.Debug("skipping stale usage notification",
			zap.String("persona", personaID), zap.Uint64("seq", seq))
		return
	}
	l.lastNotify[personaID] = seq

	l.mu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.RUnlock()

	for _, o := range observers {
		o(personaID, rec)
	}
}

// ReadAll returns the current document. A missing or corrupt document is
// replaced by an empty one, which is also written back.
func (l *Ledger) ReadAll(ctx context.Context) (usage.Document, error) {
	doc, err := l.store.Read(ctx)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrDocumentNotFound) && !errors.Is(err, ErrCorruptDocument) {
		return nil, &StoreError{Op: "read", Err: err}
	}

	if errors.Is(err, ErrCorruptDocument) {
		l.logger.Warn("ledger document unreadable, starting empty", zap.Error(err))
	} else {
		l.logger.Info("no ledger document yet, creating empty one")
	}

	empty := usage.Document{}
	if err := l.store.Write(ctx, empty); err != nil {
		return nil, &StoreError{Op: "heal", Err: err}
	}
	return empty, nil
}

// Reset replaces the document with zeroed records for exactly seeds.
func (l *Ledger) Reset(ctx context.Context, seeds []usage.Seed) (usage.Document, error) {
	doc := usage.Zeroed(seeds)
	if err := l.store.Write(ctx, doc); err != nil {
		return nil, &StoreError{Op: "reset", Err: err}
	}
	l.logger.Info("ledger reset", zap.Int("personas", len(doc)))
	return doc.Clone(), nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
