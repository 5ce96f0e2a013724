// Package storagetest holds the conformance suite every storage.Repository
// backend is expected to pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuz-tech/gamified-ims/storage"
)

type doc struct {
	Name string `json:"name"`
}

func mustEncode(t *testing.T, name string, version uint64) *storage.Envelope {
	t.Helper()
	env, err := storage.Encode(doc{Name: name}, version)
	require.NoError(t, err)
	return env
}

func nameOf(t *testing.T, env *storage.Envelope) string {
	t.Helper()
	var d doc
	require.NoError(t, storage.Decode(env, &d))
	return d.Name
}

// RunRepositoryTests runs the common suite against the repository returned
// by newRepo. Each subtest gets a fresh repository.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u1", mustEncode(t, "alice", 1)))

		got, err := repo.Get(ctx, "ns", "USER", "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice", nameOf(t, got))
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "ns", "USER", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		require.NoError(t, repo.Put(ctx, "ns", "USER", "u1", mustEncode(t, "alice", 1)))
		_, err = repo.Get(ctx, "ns", "USER", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ListByType", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u1", mustEncode(t, "a", 1)))
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u2", mustEncode(t, "b", 1)))
		require.NoError(t, repo.Put(ctx, "ns", "USERNAME", "alice", mustEncode(t, "u1", 1)))
		require.NoError(t, repo.Put(ctx, "other", "USER", "u3", mustEncode(t, "c", 1)))

		ids, err := repo.List(ctx, "ns", "USER")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

		ids, err = repo.List(ctx, "empty", "USER")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u1", mustEncode(t, "a", 1)))
		require.NoError(t, repo.Delete(ctx, "ns", "USER", "u1"))

		_, err := repo.Get(ctx, "ns", "USER", "u1")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		err = repo.Delete(ctx, "ns", "USER", "u1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.PutCAS(ctx, "ns", "USER", "u1", 0, mustEncode(t, "v1", 1)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "USER", "u1", 0, mustEncode(t, "dup", 1)), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "USER", "missing", 1, mustEncode(t, "x", 2)), storage.ErrCASFailed)

		require.NoError(t, repo.PutCAS(ctx, "ns", "USER", "u1", 1, mustEncode(t, "v2", 2)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "USER", "u1", 1, mustEncode(t, "stale", 2)), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "ns", "USER", "u1")
		require.NoError(t, err)
		assert.Equal(t, "v2", nameOf(t, got))
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.PutCAS("USERNAME", "alice", 0, mustEncode(t, "u1", 1)); err != nil {
				return err
			}
			if err := tx.Put("USER", "u1", mustEncode(t, "alice", 1)); err != nil {
				return err
			}
			got, err := tx.Get("USER", "u1")
			if err != nil {
				return err
			}
			assert.Equal(t, "alice", nameOf(t, got))
			return nil
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "ns", "USERNAME", "alice")
		assert.NoError(t, err)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "USERNAME", "taken", mustEncode(t, "u0", 1)))

		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("USER", "u1", mustEncode(t, "bob", 1)); err != nil {
				return err
			}
			return tx.PutCAS("USERNAME", "taken", 0, mustEncode(t, "u1", 1))
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get(ctx, "ns", "USER", "u1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "write inside failed batch must not persist")

		got, err := repo.Get(ctx, "ns", "USERNAME", "taken")
		require.NoError(t, err)
		assert.Equal(t, "u0", nameOf(t, got))
	})

	t.Run("BatchDelete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u1", mustEncode(t, "a", 1)))
		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			return tx.Delete("USER", "u1")
		})
		require.NoError(t, err)
		_, err = repo.Get(ctx, "ns", "USER", "u1")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("Scan", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u1", mustEncode(t, "a", 3)))
		require.NoError(t, repo.Put(ctx, "ns", "USER", "u2", mustEncode(t, "b", 4)))

		seen := map[string]uint64{}
		err := storage.Scan(ctx, repo, "ns", "USER", func(id string, d *doc, version uint64) error {
			seen[d.Name] = version
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]uint64{"a": 3, "b": 4}, seen)
	})
}
