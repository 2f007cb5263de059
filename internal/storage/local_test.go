package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Put(ctx, "1234", "NFe-001.XML", strings.NewReader("<nfe/>"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Key, "1234/"))
	assert.True(t, strings.HasSuffix(obj.Key, ".xml"))

	rc, err := store.Get(ctx, obj.Key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "<nfe/>", string(body))

	require.NoError(t, store.Delete(ctx, obj.Key))
	_, err = store.Get(ctx, obj.Key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.NoError(t, store.Delete(ctx, obj.Key))
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = store.Get(ctx, "/abs")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Put(ctx, "../..", "x.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
