package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clp-project/querycelery/backend"
	"github.com/clp-project/querycelery/backend/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	p, err := sqlite.Path("db+sqlite:///results.db")
	require.NoError(t, err)
	assert.Equal(t, "results.db", p)

	p, err = sqlite.Path("db+sqlite:////var/lib/clp/results.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/clp/results.db", p)

	_, err = sqlite.Path("db+sqlite://")
	assert.Error(t, err)
	_, err = sqlite.Path("db+sqlite://host/db")
	assert.Error(t, err)
}

func TestStoreGetOverwrite(t *testing.T) {
	ctx := context.Background()
	uri := "db+sqlite:///" + filepath.Join(t.TempDir(), "results.db")
	b, err := backend.Open(ctx, uri)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrResultNotFound)

	require.NoError(t, b.Store(ctx, "t1", []byte(`{"status":"STARTED"}`), 0))
	require.NoError(t, b.Store(ctx, "t1", []byte(`{"status":"SUCCESS"}`), time.Hour))

	got, err := b.Get(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"SUCCESS"}`, string(got))
}

func TestExpiredResultIsHidden(t *testing.T) {
	ctx := context.Background()
	uri := "db+sqlite:///" + filepath.Join(t.TempDir(), "results.db")
	b, err := backend.Open(ctx, uri)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Store(ctx, "t1", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err = b.Get(ctx, "t1")
	assert.ErrorIs(t, err, backend.ErrResultNotFound)
}
