package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/Yuz-tech/gamified-ims/storage"
	"github.com/Yuz-tech/gamified-ims/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gims-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func TestBBoltRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestBBoltReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	env, err := storage.Encode(map[string]string{"name": "alice"}, 1)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "users", "USER", "u1", env))
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "users", "USER", "u1")
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, storage.Decode(got, &doc))
	assert.Equal(t, "alice", doc["name"])
}
