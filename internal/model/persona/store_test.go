package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleCatalogue = `personas:
  - id: detoxa
    name: Detoxa
    purpose: patterns
    systemPrompt: be gentle
    starters:
      - id: patterns
        text: hello
`

func TestMemoryStoreFindByID(t *testing.T) {
	store := NewMemoryStore(Seed())

	got, ok := store.FindByID("love-craft")
	require.True(t, ok)
	assert.Equal(t, "LoveCraft", got.Name)

	_, ok = store.FindByID("missing")
	assert.False(t, ok)
}

func TestSeedStartersAreResolvable(t *testing.T) {
	for _, p := range Seed() {
		require.NotEmpty(t, p.Starters, "persona %s has no starters", p.ID)
		for _, s := range p.Starters {
			got, ok := p.FindStarter(s.ID)
			require.True(t, ok)
			assert.Equal(t, s.Text, got.Text)
		}
	}
}

func TestSeedsMirrorCatalogue(t *testing.T) {
	seeds := Seeds(Seed())
	require.Len(t, seeds, 6)
	assert.Equal(t, "chozeh-lev", seeds[0].ID)
	assert.Equal(t, "חוזה-לב", seeds[0].Name)
}

func TestParseCatalogueRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":        "personas: []\n",
		"missing id":   "personas:\n  - name: x\n",
		"missing name": "personas:\n  - id: x\n",
		"duplicate":    "personas:\n  - id: x\n    name: a\n  - id: x\n    name: b\n",
		"not yaml":     "personas: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalogue([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestFileStoreReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalogue), 0o644))

	store, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err)
	p, ok := store.FindByID("detoxa")
	require.True(t, ok)
	assert.Equal(t, "be gentle", p.SystemPrompt)

	require.NoError(t, os.WriteFile(path, []byte("personas: ["), 0o644))
	assert.Error(t, store.Reload())
	assert.Len(t, store.List(), 1)
}

func TestFileStoreWatchPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalogue), 0o644))

	store, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	updated := sampleCatalogue + "  - id: love-craft\n    name: LoveCraft\n"
	require.Eventually(t, func() bool {
		// Rewrite until the watcher has registered and observed the change.
		_ = os.WriteFile(path, []byte(updated), 0o644)
		_, ok := store.FindByID("love-craft")
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}
