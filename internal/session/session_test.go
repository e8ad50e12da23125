package session

import (
	"context"
	"testing"

	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return NewManager(st, ui.NopLogger(), nil)
}

func TestManager_OpenUpdateClose(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	var released []string
	m.OnRelease(func(_ context.Context, h string) { released = append(released, h) })

	h, err := m.Open(ctx, Spec{JobID: "j1", Title: "Story", URL: "https://a.example/c1", Domain: "a.example"})
	require.NoError(t, err)

	alive, err := m.Alive(ctx, h)
	require.NoError(t, err)
	assert.True(t, alive)

	s, err := m.Get(ctx, h)
	require.NoError(t, err)
	s.URL = "https://a.example/c2"
	s.Visited = append(s.Visited, "https://a.example/c1")
	require.NoError(t, m.Update(ctx, s))

	s, err = m.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/c2", s.URL)
	assert.Equal(t, []string{"https://a.example/c1"}, s.Visited)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.Close(ctx, h))
	assert.Equal(t, []string{h}, released)

	alive, err = m.Alive(ctx, h)
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = m.Get(ctx, h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Update(ctx, s), ErrNotFound)
}

func TestManager_OpenNeedsURL(t *testing.T) {
	_, err := newManager(t).Open(context.Background(), Spec{JobID: "j"})
	assert.Error(t, err)
}
