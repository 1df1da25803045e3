package statsclient

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/handler/stats"
	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
	"github.com/zhouzirui/coachbot/backend/internal/service/ledger"
)

func newServer(t *testing.T) (*Client, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(zap.NewNop()))
	t.Cleanup(func() { _ = l.Close() })

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		stats.New(l, nil, nil, nil).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return New(srv.URL+"/", WithHTTPClient(srv.Client())), l
}

func TestRecordAndReadAll(t *testing.T) {
	c, l := newServer(t)
	ctx := context.Background()

	rec, err := c.Record(ctx, usage.Event{
		PersonaID:   "detoxa",
		DisplayName: "Detoxa",
		Kind:        usage.KindConversationStart,
		PromptText:  "abcd",
		ReplyText:   "abcd",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ConversationStarts)
	assert.Equal(t, int64(1), rec.EstimatedInputTokens)

	require.NoError(t, c.Emit(ctx, usage.Event{PersonaID: "detoxa", DisplayName: "Detoxa", Kind: usage.KindUserMessage}))

	doc, err := c.ReadAll(ctx)
	require.NoError(t, err)
	want, err := l.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, doc)
	assert.Equal(t, int64(1), doc["detoxa"].UserMessages)
}

func TestServerRejectionIsReported(t *testing.T) {
	c, _ := newServer(t)

	_, err := c.Record(context.Background(), usage.Event{PersonaID: "p", DisplayName: "P", Kind: "bogus"})
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "Invalid type")
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(chi.NewRouter())
	url := srv.URL
	srv.Close()

	_, err := New(url).ReadAll(context.Background())
	assert.Error(t, err)
}
