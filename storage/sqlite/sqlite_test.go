package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Yuz-tech/gamified-ims/storage"
	"github.com/Yuz-tech/gamified-ims/storage/storagetest"
)

func TestSQLiteRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		s, err := Open(filepath.Join(t.TempDir(), "gims.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
