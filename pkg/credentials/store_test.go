package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should return seeded values", func(t *testing.T) {
		s := NewMemoryStore(map[string]string{AccessToken: "abc"})
		v, err := s.Get(ctx, AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "abc", v)
	})

	t.Run("should report missing credentials", func(t *testing.T) {
		s := NewMemoryStore(nil)
		_, err := s.Get(ctx, RefreshToken)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should reject empty names", func(t *testing.T) {
		s := NewMemoryStore(nil)
		assert.Error(t, s.Set(ctx, " ", "x"))
	})

	t.Run("should honor cancelled context", func(t *testing.T) {
		s := NewMemoryStore(nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Get(cctx, AccessToken)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should be safe for concurrent use", func(t *testing.T) {
		s := NewMemoryStore(nil)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = s.Update(ctx, map[string]string{
					AccessToken:  fmt.Sprintf("a-%d", i),
					RefreshToken: fmt.Sprintf("r-%d", i),
				})
				_, _ = s.Get(ctx, AccessToken)
			}(i)
		}
		wg.Wait()

		a, err := s.Get(ctx, AccessToken)
		require.NoError(t, err)
		r, err := s.Get(ctx, RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, a[2:], r[2:], "pair must come from the same update")
	})
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should treat missing file as empty", func(t *testing.T) {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "creds.toml"), testLogger())
		require.NoError(t, err)
		_, err = s.Get(ctx, AccessToken)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should persist updates across instances", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "creds.toml")
		s, err := NewFileStore(path, testLogger())
		require.NoError(t, err)

		require.NoError(t, s.Update(ctx, map[string]string{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
		}))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(storeFileMod), info.Mode().Perm())

		reopened, err := NewFileStore(path, testLogger())
		require.NoError(t, err)
		v, err := reopened.Get(ctx, RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "new-refresh", v)
	})

	t.Run("should fail on malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "creds.toml")
		require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0600))
		_, err := NewFileStore(path, testLogger())
		assert.Error(t, err)
	})

	t.Run("should reload when the file is edited externally", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "creds.toml")
		s, err := NewFileStore(path, testLogger())
		require.NoError(t, err)
		require.NoError(t, s.Set(ctx, AccessToken, "old"))

		require.NoError(t, s.Watch())
		defer s.Close()

		content := "[credentials]\naccess_token = 'edited'\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		assert.Eventually(t, func() bool {
			v, err := s.Get(ctx, AccessToken)
			return err == nil && v == "edited"
		}, 3*time.Second, 50*time.Millisecond)
	})
}
