package badger

import (
	"context"
	"sync"
	"testing"

	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestMintIsIdempotent(t *testing.T) {
	ctx := context.Background()
	minter := NewMinter(newTestBackend(t))

	first, err := minter.Mint(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := minter.Mint(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMintWritesBothDirections(t *testing.T) {
	ctx := context.Background()
	minter := NewMinter(newTestBackend(t))

	id, err := minter.Mint(ctx, "https://example.com/a")
	require.NoError(t, err)

	url, err := minter.IDToURL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", url)

	back, err := minter.URLToID(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestMintDistinctURLsGetDistinctIds(t *testing.T) {
	ctx := context.Background()
	minter := NewMinter(newTestBackend(t))

	a, err := minter.Mint(ctx, "https://example.com/a")
	require.NoError(t, err)
	b, err := minter.Mint(ctx, "https://example.com/b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestMintConcurrentCallersAgree(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// One minter per goroutine so the process-local mutex is not
			// what serializes them.
			id, err := NewMinter(backend).Mint(ctx, "https://example.com/contended")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "all concurrent callers must observe the same id")
	}

	url, err := NewMinter(backend).IDToURL(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/contended", url)
}

func TestMintRejectsInvalidURL(t *testing.T) {
	ctx := context.Background()
	minter := NewMinter(newTestBackend(t))

	_, err := minter.Mint(ctx, "not a url")
	assert.ErrorIs(t, err, core.ErrInvalidURL)

	_, err = minter.Mint(ctx, "")
	assert.ErrorIs(t, err, core.ErrEmptyURL)
}

func TestLookupUnknownReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	minter := NewMinter(newTestBackend(t))

	_, err := minter.URLToID(ctx, "https://example.com/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = minter.IDToURL(ctx, "0198f000-0000-7000-8000-000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
