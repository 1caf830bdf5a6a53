package repository

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

func TestStaging(t *testing.T) {
	content := []byte("0123456789abcdef")
	sig := lib.GetSignature(content)

	t.Run("offset grows with staged bytes and resumes", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)

		offset, err := staging.Offset(sig)
		require.NoError(t, err)
		assert.Equal(t, int64(0), offset)

		f, err := staging.OpenAt(sig, 0)
		require.NoError(t, err)
		_, err = f.Write(content[:10])
		require.NoError(t, err)
		require.NoError(t, f.Close())

		offset, err = staging.Offset(sig)
		require.NoError(t, err)
		assert.Equal(t, int64(10), offset)

		f, err = staging.OpenAt(sig, offset)
		require.NoError(t, err)
		_, err = f.Write(content[10:])
		require.NoError(t, err)
		require.NoError(t, f.Close())

		got, size, err := staging.Verify(sig)
		require.NoError(t, err)
		assert.Equal(t, sig, got)
		assert.Equal(t, int64(len(content)), size)
	})

	t.Run("rewinding truncates later bytes", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)
		_, err = staging.Write(sig, bytes.NewReader(content))
		require.NoError(t, err)

		f, err := staging.OpenAt(sig, 4)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		offset, err := staging.Offset(sig)
		require.NoError(t, err)
		assert.Equal(t, int64(4), offset)
	})

	t.Run("rejects an offset past the staged size", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)

		_, err = staging.OpenAt(sig, 3)
		assert.ErrorIs(t, err, lib.ErrProtocol)
	})

	t.Run("rejects malformed signatures", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)

		_, err = staging.OpenAt("../escape", 0)
		assert.ErrorIs(t, err, lib.ErrProtocol)
	})

	t.Run("expires stale uploads only", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)
		fresh := lib.GetSignature([]byte("fresh"))
		_, err = staging.Write(sig, bytes.NewReader(content))
		require.NoError(t, err)
		_, err = staging.Write(fresh, bytes.NewReader([]byte("fresh")))
		require.NoError(t, err)
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(staging.path(sig), old, old))

		removed, err := staging.Expire(time.Hour, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, removed)
		assert.NoFileExists(t, staging.path(sig))
		assert.FileExists(t, staging.path(fresh))
	})

	t.Run("keeps stale uploads that are in use", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)
		_, err = staging.Write(sig, bytes.NewReader(content))
		require.NoError(t, err)
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(staging.path(sig), old, old))

		removed, err := staging.Expire(time.Hour, func(s types.Signature) bool { return s == sig })
		require.NoError(t, err)

		assert.Zero(t, removed)
		assert.FileExists(t, staging.path(sig))
	})

	t.Run("discard is idempotent", func(t *testing.T) {
		staging, err := NewStaging(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, staging.Discard(sig))
		_, err = staging.Write(sig, bytes.NewReader(content))
		require.NoError(t, err)
		require.NoError(t, staging.Discard(sig))
		assert.NoFileExists(t, staging.path(sig))
	})
}
