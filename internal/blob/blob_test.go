package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystem_PutGet(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	require.NoError(t, fs.Put(ctx, "images/install/vmlinuz", []byte("kernel")))
	data, err := fs.Get(ctx, "/images/install/vmlinuz")
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel"), data)

	require.NoError(t, fs.Put(ctx, "images/install/vmlinuz", []byte("kernel-2")))
	data, err = fs.Get(ctx, "images/install/vmlinuz")
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel-2"), data)

	entries, err := os.ReadDir(filepath.Join(fs.root, "images", "install"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFilesystem_Errors(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = fs.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.ErrorIs(t, fs.Put(ctx, "", []byte("x")), ErrInvalidKey)
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b", want: "a/b"},
		{in: "/tftp/undionly.kpxe", want: "tftp/undionly.kpxe"},
		{in: "a//b/./c", want: "a/b/c"},
		{in: "a/../b", wantErr: true},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidKey, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("kernel"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Digest([]byte("kernel")))
	assert.NotEqual(t, a, Digest([]byte("kernel2")))
}
