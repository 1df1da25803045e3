package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

func newMemoryLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(zap.NewNop())
	l := New(store, opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l, store
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
		{"שלום", 1},
		{"רוצה שאשלח לך סיכום?", 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EstimateTokens(tc.in), "EstimateTokens(%q)", tc.in)
	}
}

func TestPricingCost(t *testing.T) {
	assert.InDelta(t, 0.75, DefaultPricing.Cost(1_000_000, 1_000_000), 1e-12)
	assert.Zero(t, DefaultPricing.Cost(0, 0))
}

func TestRecordCreatesZeroedRecordBeforeIncrement(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	rec, err := l.Record(ctx, usage.Event{PersonaID: "detoxa", DisplayName: "Detoxa", Kind: usage.KindConversationStart})
	require.NoError(t, err)

	want := usage.Record{Name: "Detoxa", ConversationStarts: 1}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordAccumulatesTokensAndCost(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	events := []usage.Event{
		{PersonaID: "p", DisplayName: "P", Kind: usage.KindConversationStart, PromptText: "system opening", ReplyText: "hello there"},
		{PersonaID: "p", DisplayName: "P", Kind: usage.KindUserMessage, PromptText: "system opening hi", ReplyText: "how are you?"},
		{PersonaID: "p", DisplayName: "P", Kind: usage.KindUserMessage, PromptText: "only prompt"},
		{PersonaID: "p", DisplayName: "P", Kind: usage.KindConversationCompleted, PromptText: "ignored", ReplyText: "ignored"},
	}

	var wantIn, wantOut int64
	var wantCost float64
	for _, ev := range events[:2] {
		in, out := EstimateTokens(ev.PromptText), EstimateTokens(ev.ReplyText)
		wantIn += in
		wantOut += out
		wantCost += float64(in)/1e6*0.15 + float64(out)/1e6*0.60
	}

	var rec usage.Record
	for _, ev := range events {
		var err error
		rec, err = l.Record(ctx, ev)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), rec.ConversationStarts)
	assert.Equal(t, int64(2), rec.UserMessages)
	assert.Equal(t, int64(1), rec.CompletedConversations)
	assert.Equal(t, wantIn, rec.EstimatedInputTokens)
	assert.Equal(t, wantOut, rec.EstimatedOutputTokens)
	assert.InDelta(t, wantCost, rec.TotalCost, 1e-15)
}

func TestRecordIsOrderIndependentAcrossPersonas(t *testing.T) {
	ctx := context.Background()
	a := []usage.Event{
		{PersonaID: "a", DisplayName: "A", Kind: usage.KindConversationStart, PromptText: "x", ReplyText: "yy"},
		{PersonaID: "a", DisplayName: "A", Kind: usage.KindUserMessage, PromptText: "xxxxx", ReplyText: "y"},
	}
	b := []usage.Event{
		{PersonaID: "b", DisplayName: "B", Kind: usage.KindConversationStart, PromptText: "zzzz", ReplyText: "w"},
		{PersonaID: "b", DisplayName: "B", Kind: usage.KindConversationCompleted},
	}

	interleaved, _ := newMemoryLedger(t)
	for i := range a {
		_, err := interleaved.Record(ctx, a[i])
		require.NoError(t, err)
		_, err = interleaved.Record(ctx, b[i])
		require.NoError(t, err)
	}

	sequential, _ := newMemoryLedger(t)
	for _, ev := range append(append([]usage.Event{}, a...), b...) {
		_, err := sequential.Record(ctx, ev)
		require.NoError(t, err)
	}

	got, err := interleaved.ReadAll(ctx)
	require.NoError(t, err)
	want, err := sequential.ReadAll(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("documents differ (-sequential +interleaved):\n%s", diff)
	}
}

func TestRecordDisplayNameLastWriteWins(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, usage.Event{PersonaID: "p", DisplayName: "Old", Kind: usage.KindConversationStart})
	require.NoError(t, err)
	rec, err := l.Record(ctx, usage.Event{PersonaID: "p", DisplayName: "New", Kind: usage.KindUserMessage})
	require.NoError(t, err)

	assert.Equal(t, "New", rec.Name)
	assert.Equal(t, int64(1), rec.ConversationStarts)
}

func TestRecordRejectsInvalidEventWithoutTouchingStore(t *testing.T) {
	l, store := newMemoryLedger(t)
	ctx := context.Background()

	bad := []usage.Event{
		{DisplayName: "P", Kind: usage.KindUserMessage},
		{PersonaID: "p", Kind: usage.KindUserMessage},
		{PersonaID: "p", DisplayName: "P", Kind: "conversation_abandoned"},
	}
	for _, ev := range bad {
		_, err := l.Record(ctx, ev)
		assert.ErrorIs(t, err, usage.ErrInvalidEvent)
	}

	_, err := store.Read(ctx)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestReadAllHealsCorruptDocument(t *testing.T) {
	l, store := newMemoryLedger(t)
	ctx := context.Background()

	for _, raw := range []string{"{oops", "null", "[1,2]", ""} {
		store.SetRaw([]byte(raw))

		doc, err := l.ReadAll(ctx)
		require.NoError(t, err, "raw=%q", raw)
		assert.Empty(t, doc)

		healed, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Empty(t, healed)
	}
}

func TestReadAllCreatesMissingDocument(t *testing.T) {
	l, store := newMemoryLedger(t)
	ctx := context.Background()

	doc, err := l.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc)

	_, err = store.Read(ctx)
	assert.NoError(t, err)
}

func TestRecordOverCorruptDocumentStartsFresh(t *testing.T) {
	l, store := newMemoryLedger(t)
	store.SetRaw([]byte("not json"))

	rec, err := l.Record(context.Background(), usage.Event{PersonaID: "p", DisplayName: "P", Kind: usage.KindUserMessage})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.UserMessages)
}

func TestResetReplacesDocument(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, usage.Event{PersonaID: "c", DisplayName: "C", Kind: usage.KindUserMessage, PromptText: "p", ReplyText: "r"})
	require.NoError(t, err)
	_, err = l.Record(ctx, usage.Event{PersonaID: "a", DisplayName: "A", Kind: usage.KindConversationStart})
	require.NoError(t, err)

	_, err = l.Reset(ctx, []usage.Seed{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}})
	require.NoError(t, err)

	doc, err := l.ReadAll(ctx)
	require.NoError(t, err)
	want := usage.Document{"a": {Name: "A"}, "b": {Name: "B"}}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("reset document mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordNotifiesObservers(t *testing.T) {
	l, _ := newMemoryLedger(t)

	var seen []string
	l.Subscribe(func(personaID string, rec usage.Record) {
		seen = append(seen, personaID+":"+rec.Name)
	})

	_, err := l.Record(context.Background(), usage.Event{PersonaID: "p", DisplayName: "P", Kind: usage.KindConversationStart})
	require.NoError(t, err)
	assert.Equal(t, []string{"p:P"}, seen)
}

func TestObserversSeeMonotonicRecordsUnderConcurrency(t *testing.T) {
	l, _ := newMemoryLedger(t)

	var seen []int64
	l.Subscribe(func(_ string, rec usage.Record) {
		seen = append(seen, rec.UserMessages)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Record(context.Background(), usage.Event{PersonaID: "p", DisplayName: "P", Kind: usage.KindUserMessage})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "update %d went backwards", i)
	}
	assert.Equal(t, int64(50), seen[len(seen)-1])
}

func TestNotifyDropsStaleRecords(t *testing.T) {
	l, _ := newMemoryLedger(t)

	var seen []int64
	l.Subscribe(func(_ string, rec usage.Record) {
		seen = append(seen, rec.UserMessages)
	})

	l.notify("p", usage.Record{UserMessages: 2}, 2)
	l.notify("p", usage.Record{UserMessages: 1}, 1)
	l.notify("q", usage.Record{UserMessages: 1}, 3)
	l.notify("p", usage.Record{UserMessages: 3}, 4)

	assert.Equal(t, []int64{2, 1, 3}, seen)
}

type failingStore struct{ MemoryStore }

var errUnreachable = errors.New("store unreachable")

func (f *failingStore) Update(context.Context, func(usage.Document) error) (usage.Document, error) {
	return nil, errUnreachable
}

func (f *failingStore) Read(context.Context) (usage.Document, error) {
	return nil, errUnreachable
}

func TestStoreFailuresSurfaceAsStoreError(t *testing.T) {
	l := New(&failingStore{})
	ctx := context.Background()

	_, err := l.Record(ctx, usage.Event{PersonaID: "p", DisplayName: "P", Kind: usage.KindUserMessage})
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "record", storeErr.Op)
	assert.ErrorIs(t, err, errUnreachable)

	_, err = l.ReadAll(ctx)
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "read", storeErr.Op)
}
