package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
	"github.com/zhouzirui/coachbot/backend/internal/service/session"
)

var testPersona = persona.Persona{
	ID:           "chozeh-lev",
	Name:         "חוזה-לב",
	Purpose:      "בניית חזון זוגי",
	SystemPrompt: "את/ה חוזה-לב.",
	Starters: []persona.Starter{
		{ID: "vision-f", Text: "אני רוצה לבנות חזון זוגי", Variant: "female"},
	},
}

// scriptedGenerator replies from a fixed script and records what it saw.
type scriptedGenerator struct {
	mu       sync.Mutex
	replies  []string
	errs     map[int]error
	calls    [][]chat.Turn
	prompts  []string
	onCall   func(call int)
}

func (g *scriptedGenerator) Generate(_ context.Context, systemPrompt string, history []chat.Turn) (string, error) {
	g.mu.Lock()
	call := len(g.calls)
	g.calls = append(g.calls, append([]chat.Turn(nil), history...))
	g.prompts = append(g.prompts, systemPrompt)
	hook := g.onCall
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := g.errs[call]; err != nil {
		return "", err
	}
	if call >= len(g.replies) {
		return "", fmt.Errorf("unexpected call %d", call)
	}
	return g.replies[call], nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []usage.Event
	err    error
}

func (s *recordingSink) Emit(_ context.Context, ev usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) kinds() []usage.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]usage.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (s *recordingSink) snapshot() []usage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usage.Event(nil), s.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	ctrl     *Controller
	gen      *scriptedGenerator
	sink     *recordingSink
	sessions *session.Store
	kv       *session.MemoryKV
}

func newFixture(t *testing.T, replies ...string) *fixture {
	t.Helper()
	kv := session.NewMemoryKV()
	f := &fixture{
		gen:      &scriptedGenerator{replies: replies, errs: map[int]error{}},
		sink:     &recordingSink{},
		sessions: session.NewStore(kv, zap.NewNop()),
		kv:       kv,
	}
	f.ctrl = f.newController(t)
	return f
}

func (f *fixture) newController(t *testing.T) *Controller {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
	ids := 0
	c, err := NewController(Config{
		Persona:   testPersona,
		Generator: f.gen,
		Sessions:  f.sessions,
		Ledger:    f.sink,
		Now:       clock.Now,
		NewID: func() string {
			ids++
			return fmt.Sprintf("m%d", ids)
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

var errUpstream = errors.New("upstream unavailable")
