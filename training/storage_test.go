package training

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIsReleasedOnClose(t *testing.T) {
	store := NewMemoryStore()
	assert.True(t, store.Ephemeral())

	require.NoError(t, afero.WriteFile(store.Fs(), store.Path("x_checkpoint.safetensors"), []byte("data"), 0o644))
	assert.True(t, store.Exists("x_checkpoint.safetensors"))

	require.NoError(t, store.Close())
	assert.False(t, store.Exists("x_checkpoint.safetensors"))

	other := NewMemoryStore()
	assert.NotEqual(t, store.Dir(), other.Dir())
}

func TestDirectoryStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewDirectoryStore(fs, "/runs/fnn/one_hot")
	require.NoError(t, err)
	assert.False(t, store.Ephemeral())

	exists, err := afero.DirExists(fs, "/runs/fnn/one_hot")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, afero.WriteFile(fs, store.Path("kept"), []byte("x"), 0o644))
	require.NoError(t, store.Close())
	assert.True(t, store.Exists("kept"))

	_, err = NewDirectoryStore(fs, "")
	assert.Error(t, err)
}
