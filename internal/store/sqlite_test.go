package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, "friend/abc", []byte(`{"name":"x"}`)))
	val, found, err := s.Get(ctx, "friend/abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"name":"x"}`), val)

	// Upsert overwrites
	require.NoError(t, s.Put(ctx, "friend/abc", []byte(`{"name":"y"}`)))
	val, _, _ = s.Get(ctx, "friend/abc")
	assert.Equal(t, []byte(`{"name":"y"}`), val)

	require.NoError(t, s.Delete(ctx, "friend/abc"))
	_, found, _ = s.Get(ctx, "friend/abc")
	assert.False(t, found)
}

func TestSQLiteListOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	keys := []string{"msg/p/02", "msg/p/01", "msg/p/10", "msg/q/01"}
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}

	entries, err := s.List(ctx, "msg/p/")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg/p/01", entries[0].Key)
	assert.Equal(t, "msg/p/02", entries[1].Key)
	assert.Equal(t, "msg/p/10", entries[2].Key)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s1, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, "watermark/x", []byte("12345")))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	val, found, err := s2.Get(ctx, "watermark/x")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("12345"), val)
}

func TestSQLitePing(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}
