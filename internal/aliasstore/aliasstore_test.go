package aliasstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcewell/goldenindex/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aliases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadUnknownAlias(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Read("nope")
	assert.ErrorIs(t, err, model.ErrAliasUnknown)
}

func TestCreateThenRead(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create("A-global", "/gr/A"))

	path, err := s.Read("A-global")
	require.NoError(t, err)
	assert.Equal(t, "/gr/A", path)
}

func TestSwapIsImmediatelyVisible(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create("A-global", "/gr/A"))
	require.NoError(t, s.Swap("A-global", "/gr/A/.versioned/A-global/v_100"))

	path, err := s.Read("A-global")
	require.NoError(t, err)
	assert.Equal(t, "/gr/A/.versioned/A-global/v_100", path)
}

func TestListReturnsAllAliases(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create("A-global", "/gr/A"))
	require.NoError(t, s.Create("B-global", "/gr/B"))

	all, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A-global": "/gr/A", "B-global": "/gr/B"}, all)
}
