// Package compliance holds the behavioral test suite every blob.Store
// implementation must pass.
package compliance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/renderflow/internal/storage/blob"
)

// Run exercises the full Store contract against the given implementation.
func Run(t *testing.T, store blob.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		url, err := store.Put(ctx, "renders/job_1/manifest.json", []byte(`{"frames":90}`), "application/json")
		require.NoError(t, err)
		assert.NotEmpty(t, url)

		data, err := store.Get(ctx, "renders/job_1/manifest.json")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"frames":90}`), data)
	})

	t.Run("put overwrites", func(t *testing.T) {
		_, err := store.Put(ctx, "renders/overwrite.txt", []byte("one"), "text/plain")
		require.NoError(t, err)
		_, err = store.Put(ctx, "renders/overwrite.txt", []byte("two"), "text/plain")
		require.NoError(t, err)

		data, err := store.Get(ctx, "renders/overwrite.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), data)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "renders/never-written")
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		_, err := store.Put(ctx, "renders/doomed.txt", []byte("x"), "text/plain")
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "renders/doomed.txt"))

		_, err = store.Get(ctx, "renders/doomed.txt")
		assert.ErrorIs(t, err, blob.ErrNotFound)

		// Deleting again is not an error.
		assert.NoError(t, store.Delete(ctx, "renders/doomed.txt"))
	})

	t.Run("list by prefix", func(t *testing.T) {
		_, err := store.Put(ctx, "lists/a/1.txt", []byte("1"), "text/plain")
		require.NoError(t, err)
		_, err = store.Put(ctx, "lists/a/2.txt", []byte("2"), "text/plain")
		require.NoError(t, err)
		_, err = store.Put(ctx, "lists/b/3.txt", []byte("3"), "text/plain")
		require.NoError(t, err)

		keys, err := store.List(ctx, "lists/a/")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"lists/a/1.txt", "lists/a/2.txt"}, keys)
	})
}
