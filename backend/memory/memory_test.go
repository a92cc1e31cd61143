package memory_test

import (
	"context"
	"testing"

	"github.com/clp-project/querycelery/backend"
	_ "github.com/clp-project/querycelery/backend/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedStore(t *testing.T) {
	ctx := context.Background()
	uri := "cache+memory://" + t.Name()
	writer, err := backend.Open(ctx, uri)
	require.NoError(t, err)
	reader, err := backend.Open(ctx, uri)
	require.NoError(t, err)

	require.NoError(t, writer.Store(ctx, "id", []byte("meta"), 0))
	got, err := reader.Get(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), got)

	other, err := backend.Open(ctx, "memory://elsewhere")
	require.NoError(t, err)
	_, err = other.Get(ctx, "id")
	assert.ErrorIs(t, err, backend.ErrResultNotFound)
}

func TestUnknownScheme(t *testing.T) {
	_, err := backend.Open(context.Background(), "mongodb://localhost")
	assert.ErrorIs(t, err, backend.ErrUnknownScheme)
}
