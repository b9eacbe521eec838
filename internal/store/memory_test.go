package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, "k", []byte("v1")))
	val, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), val)

	// Overwrite
	require.NoError(t, s.Put(ctx, "k", []byte("v2")))
	val, _, _ = s.Get(ctx, "k")
	assert.Equal(t, []byte("v2"), val)

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting a missing key is not an error
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStoreListPrefixOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "outbox/a/03", []byte("3")))
	require.NoError(t, s.Put(ctx, "outbox/a/01", []byte("1")))
	require.NoError(t, s.Put(ctx, "outbox/a/02", []byte("2")))
	require.NoError(t, s.Put(ctx, "outbox/b/01", []byte("x")))
	require.NoError(t, s.Put(ctx, "friend/a", []byte("y")))

	entries, err := s.List(ctx, "outbox/a/")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "outbox/a/01", entries[0].Key)
	assert.Equal(t, "outbox/a/02", entries[1].Key)
	assert.Equal(t, "outbox/a/03", entries[2].Key)

	entries, err = s.List(ctx, "nope/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("original")
	require.NoError(t, s.Put(ctx, "k", buf))
	buf[0] = 'X' // caller mutates its slice after Put

	val, _, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("original"), val)

	val[0] = 'Y' // caller mutates the returned slice
	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("original"), again)
}
