package tftp

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/blob"
)

type capture struct {
	bytes.Buffer
}

func (c *capture) ReadFrom(r io.Reader) (int64, error) {
	return c.Buffer.ReadFrom(r)
}

func setupServer(t *testing.T) (*Server, blob.Storage) {
	t.Helper()
	store, err := blob.NewFilesystem(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "tftp/undionly.kpxe", []byte("loader")))
	return NewServer(store, 0, zap.NewNop()), store
}

func TestRead(t *testing.T) {
	s, _ := setupServer(t)

	var out capture
	require.NoError(t, s.read("undionly.kpxe", &out))
	assert.Equal(t, "loader", out.String())

	out.Reset()
	require.NoError(t, s.read("/undionly.kpxe", &out), "leading slash")
	assert.Equal(t, "loader", out.String())
}

func TestRead_Errors(t *testing.T) {
	s, store := setupServer(t)
	require.NoError(t, store.Put(context.Background(), "secret", []byte("x")))

	var out capture
	assert.ErrorIs(t, s.read("missing.efi", &out), blob.ErrNotFound)
	assert.ErrorIs(t, s.read("../secret", &out), blob.ErrNotFound, "traversal is confined to the tftp prefix")
	assert.Empty(t, out.String())
}

func TestWriteRefused(t *testing.T) {
	s, _ := setupServer(t)
	assert.ErrorIs(t, s.write("upload.bin", nil), ErrReadOnly)
}
