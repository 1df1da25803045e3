package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
	"github.com/zhouzirui/coachbot/backend/internal/service/session"
)

func detoxa(t *testing.T) persona.Persona {
	t.Helper()
	p, ok := persona.NewMemoryStore(persona.Seed()).FindByID("detoxa")
	require.True(t, ok)
	return p
}

// replies answers from a list; an empty entry fails the call.
func replies(script ...string) conversation.GeneratorFunc {
	i := 0
	return func(context.Context, string, []chat.Turn) (string, error) {
		if i >= len(script) {
			return "", errors.New("script exhausted")
		}
		r := script[i]
		i++
		if r == "" {
			return "", errors.New("upstream unavailable")
		}
		return r, nil
	}
}

func newTestController(t *testing.T, kv session.KV, gen conversation.Generator) *conversation.Controller {
	t.Helper()
	ctrl, err := conversation.NewController(conversation.Config{
		Persona:   detoxa(t),
		Generator: gen,
		Sessions:  session.NewStore(kv, nil),
	})
	require.NoError(t, err)
	return ctrl
}

func TestREPLRunsConversationToSynopsis(t *testing.T) {
	ctrl := newTestController(t, session.NewMemoryKV(), replies(
		"ספר לי על הדפוס",
		"רוצה שאשלח לך סיכום?",
		"בהצלחה!",
	))
	in := strings.NewReader("1\nאני חוזר על טעויות\nכן\n/quit\n")
	var out bytes.Buffer

	require.NoError(t, newREPL(ctrl, in, &out, "").run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "ספר לי על הדפוס")
	assert.Contains(t, text, "רוצה שאשלח לך סיכום?")
	assert.Contains(t, text, "בהצלחה!")
	assert.Contains(t, text, "סיכום השיחה עם")
	assert.Equal(t, conversation.PhaseLocked, ctrl.State().Phase)
}

func TestREPLUsesStarterFlag(t *testing.T) {
	ctrl := newTestController(t, session.NewMemoryKV(), replies("hello"))
	var out bytes.Buffer

	require.NoError(t, newREPL(ctrl, strings.NewReader("/quit\n"), &out, "patterns").run(context.Background()))

	state := ctrl.State()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "hello", state.Messages[0].Content)
	assert.NotContains(t, out.String(), "1) ")
}

func TestREPLResumesStoredConversation(t *testing.T) {
	kv := session.NewMemoryKV()
	first := newTestController(t, kv, replies("first reply"))
	require.NoError(t, newREPL(first, strings.NewReader("/quit\n"), &bytes.Buffer{}, "patterns").run(context.Background()))

	second := newTestController(t, kv, replies())
	var out bytes.Buffer
	require.NoError(t, newREPL(second, strings.NewReader("/quit\n"), &out, "").run(context.Background()))

	assert.Contains(t, out.String(), "first reply")
	assert.Equal(t, conversation.PhaseActive, second.State().Phase)
}

func TestREPLRecoversWithRetry(t *testing.T) {
	ctrl := newTestController(t, session.NewMemoryKV(), replies("", "works now"))
	in := strings.NewReader("again\n/retry\n1\n/quit\n")
	var out bytes.Buffer

	require.NoError(t, newREPL(ctrl, in, &out, "patterns").run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "שגיאה בשרת")
	assert.Contains(t, text, "/retry")
	assert.Contains(t, text, "works now")
	assert.Empty(t, ctrl.State().Error)
}

func TestREPLStopsAtEndOfInput(t *testing.T) {
	ctrl := newTestController(t, session.NewMemoryKV(), replies())
	var out bytes.Buffer

	require.NoError(t, newREPL(ctrl, strings.NewReader(""), &out, "").run(context.Background()))
	assert.Equal(t, conversation.PhaseNotStarted, ctrl.State().Phase)
}
