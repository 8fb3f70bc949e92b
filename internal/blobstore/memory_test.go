package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSequentialAppend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.Append(ctx, "up_1", 0, bytes.NewReader([]byte("hello ")), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = s.Append(ctx, "up_1", 6, bytes.NewReader([]byte("world")), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	size, err := s.Size(ctx, "up_1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
}

func TestMemoryStoreRejectsOffsetMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Append(ctx, "up_1", 0, bytes.NewReader([]byte("abc")), 3)
	require.NoError(t, err)

	_, err = s.Append(ctx, "up_1", 0, bytes.NewReader([]byte("xyz")), 3)
	assert.ErrorIs(t, err, ErrOffsetMismatch)

	_, err = s.Append(ctx, "up_1", 99, bytes.NewReader([]byte("xyz")), 3)
	assert.ErrorIs(t, err, ErrOffsetMismatch)
}

func TestMemoryStoreReadRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Append(ctx, "up_1", 0, bytes.NewReader([]byte("0123456789")), 10)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, "up_1"))

	r, err := s.ReadRange(ctx, "up_1", 2, 5)
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(out))
}

func TestMemoryStoreDeleteAndNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Append(ctx, "up_1", 0, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "up_1"))

	_, err = s.Size(ctx, "up_1")
	assert.ErrorIs(t, err, ErrNotFound)
}
