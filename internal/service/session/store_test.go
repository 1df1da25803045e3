package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
)

func sampleSnapshot() chat.Snapshot {
	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return chat.Snapshot{
		PersonaID: "chozeh-lev",
		Messages: []chat.Message{
			{ID: "m1", Role: chat.RoleAssistant, Content: "שלום, מה מביא אותך?", Timestamp: start},
			{ID: "m2", Role: chat.RoleUser, Content: "אני רוצה לבנות חזון זוגי", Timestamp: start.Add(time.Minute)},
		},
		StartTime:       start,
		SelectedVariant: "female",
	}
}

func kvBackends(t *testing.T) map[string]KV {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fileKV, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	return map[string]KV{
		"memory": NewMemoryKV(),
		"file":   fileKV,
		"redis":  NewRedisKV(client, "", 0),
	}
}

func TestStoreSaveLoadRestoresTimestamps(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(kv, zap.NewNop())
			ctx := context.Background()
			want := sampleSnapshot()

			store.Save(ctx, want)
			got, ok := store.Load(ctx, want.PersonaID)
			require.True(t, ok)

			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
			}
			assert.True(t, got.Messages[1].Timestamp.Equal(want.Messages[1].Timestamp))
		})
	}
}

func TestStoreClear(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(kv, zap.NewNop())
			ctx := context.Background()

			store.Save(ctx, sampleSnapshot())
			store.Clear(ctx, "chozeh-lev")
			_, ok := store.Load(ctx, "chozeh-lev")
			assert.False(t, ok)

			store.Clear(ctx, "chozeh-lev")
		})
	}
}

func TestStoreMarkCompleted(t *testing.T) {
	store := NewStore(NewMemoryKV(), zap.NewNop())
	ctx := context.Background()
	store.Save(ctx, sampleSnapshot())

	end := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	store.MarkCompleted(ctx, "chozeh-lev", end)

	got, ok := store.Load(ctx, "chozeh-lev")
	require.True(t, ok)
	assert.True(t, got.IsCompleted)
	assert.True(t, got.IsLocked)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(end))
}

func TestStoreMarkCompletedWithoutSnapshotIsNoop(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, zap.NewNop())
	store.MarkCompleted(context.Background(), "nobody", time.Now())
	assert.Empty(t, kv.Keys())
}

func TestStoreLockUnlock(t *testing.T) {
	store := NewStore(NewMemoryKV(), zap.NewNop())
	ctx := context.Background()
	store.Save(ctx, sampleSnapshot())

	store.Lock(ctx, "chozeh-lev")
	got, _ := store.Load(ctx, "chozeh-lev")
	assert.True(t, got.IsLocked)
	assert.False(t, got.IsCompleted)

	store.Unlock(ctx, "chozeh-lev")
	got, _ = store.Load(ctx, "chozeh-lev")
	assert.False(t, got.IsLocked)
}

func TestStoreKeys(t *testing.T) {
	store := NewStore(NewMemoryKV(), zap.NewNop())
	assert.Equal(t, "chat_session_detoxa", store.Key("detoxa"))
	assert.Equal(t, "chat_session_dev1_detoxa", store.Namespaced("dev1").Key("detoxa"))
}

func TestNamespacesAreIsolated(t *testing.T) {
	base := NewStore(NewMemoryKV(), zap.NewNop())
	ctx := context.Background()

	base.Namespaced("a").Save(ctx, sampleSnapshot())
	_, ok := base.Namespaced("b").Load(ctx, "chozeh-lev")
	assert.False(t, ok)
	_, ok = base.Namespaced("a").Load(ctx, "chozeh-lev")
	assert.True(t, ok)
}

func TestStoreLoadCorruptSnapshot(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, store.Key("detoxa"), []byte("{not json")))
	_, ok := store.Load(ctx, "detoxa")
	assert.False(t, ok)
}

type brokenKV struct{}

var errDiskFull = errors.New("disk full")

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errDiskFull }
func (brokenKV) Set(context.Context, string, []byte) error        { return errDiskFull }
func (brokenKV) Delete(context.Context, string) error             { return errDiskFull }

func TestStoreSwallowsStorageFailures(t *testing.T) {
	store := NewStore(brokenKV{}, zap.NewNop())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		store.Save(ctx, sampleSnapshot())
		store.Clear(ctx, "chozeh-lev")
		store.MarkCompleted(ctx, "chozeh-lev", time.Now())
		store.Lock(ctx, "chozeh-lev")
	})
	_, ok := store.Load(ctx, "chozeh-lev")
	assert.False(t, ok)
}

func TestFileKVRejectsPathKeys(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, kv.Set(context.Background(), "../escape", []byte("x")))
	assert.ErrorIs(t, kv.Set(context.Background(), "", []byte("x")), ErrKeyRequired)
}

func TestRedisKVPrefixesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := NewRedisKV(client, "test:", time.Hour)
	require.NoError(t, kv.Set(context.Background(), "chat_session_x", []byte("{}")))

	assert.True(t, mr.Exists("test:chat_session_x"))
	assert.Equal(t, time.Hour, mr.TTL("test:chat_session_x"))
}
