package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/taskflow/internal/sri"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "memories.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedMemories produces real memories through the protocol so the snapshot
// sees the same shapes the engine stores.
func seedMemories(t *testing.T) []sri.Memory {
	t.Helper()
	store := sri.NewStore(sri.DefaultStoreConfig(), nil)
	p := sri.NewProtocol(store, sri.NewOptimizer(store, sri.OptimizerConfig{}))

	_, ok := p.StoreExperience(sri.Record{TaskID: "t1", Context: "write python code for a parser", Experience: sri.Success(1)})
	require.True(t, ok)
	_, ok = p.StoreExperience(sri.Record{TaskID: "t2", AgentID: "writer", Context: "draft the quarterly report", Experience: sri.Failure(1)})
	require.True(t, ok)
	return store.Export()
}

func TestSaveLoad(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	memories := seedMemories(t)

	require.NoError(t, s.Save(ctx, memories))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(memories))

	byHash := map[string]sri.Memory{}
	for _, m := range got {
		byHash[m.EmotionHash] = m
	}
	for _, want := range memories {
		m, ok := byHash[want.EmotionHash]
		require.True(t, ok, "memory %s missing", want.EmotionHash)
		assert.Equal(t, want.Outcome, m.Outcome)
		assert.Equal(t, want.Domain, m.Domain)
		assert.Equal(t, want.AgentID, m.AgentID)
		assert.Equal(t, want.Policy, m.Policy)
		assert.InDelta(t, want.Vector.Valence, m.Vector.Valence, 1e-9)
		assert.True(t, want.CreatedAt.Equal(m.CreatedAt))
	}

	restored := sri.NewStore(sri.DefaultStoreConfig(), nil)
	assert.Equal(t, len(memories), restored.Import(got))
}

func TestSaveReplacesAndMergeKeeps(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	memories := seedMemories(t)

	require.NoError(t, s.Save(ctx, memories))
	require.NoError(t, s.Save(ctx, memories[:1]))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	updated := memories[0]
	updated.AccessCount = 7
	require.NoError(t, s.Merge(ctx, []sri.Memory{updated, memories[1]}))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, m := range got {
		if m.EmotionHash == updated.EmotionHash {
			assert.Equal(t, 7, m.AccessCount)
		}
	}
}

func TestStats(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)

	require.NoError(t, s.Save(ctx, seedMemories(t)))
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByOutcome[string(sri.OutcomeSuccess)])
	assert.Equal(t, 1, st.ByOutcome[string(sri.OutcomeFailure)])
	assert.Equal(t, 1, st.ByDomain["programming"])
	assert.False(t, st.Oldest.IsZero())
	assert.False(t, st.Newest.Before(st.Oldest))
}

func TestJSONExport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())

	buf.Reset()
	memories := seedMemories(t)
	require.NoError(t, WriteJSON(&buf, memories))
	got, err := ReadJSON(&buf)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = ReadJSON(bytes.NewBufferString("{not json"))
	assert.Error(t, err)
}

func TestOpenFailure(t *testing.T) {
	old := openDB
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("driver missing") }
	t.Cleanup(func() { openDB = old })

	_, err := Open(filepath.Join(t.TempDir(), "x.db"))
	assert.ErrorContains(t, err, "driver missing")
}

func TestTimeFormatting(t *testing.T) {
	assert.Empty(t, formatTime(time.Time{}))
	assert.True(t, parseTime("").IsZero())
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	assert.True(t, now.Equal(parseTime(formatTime(now))))
}
