package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "devices.toml")
	require.NoError(t, WriteSecretFile(path, []byte("first")))
	require.NoError(t, WriteSecretFile(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, PermSecretFile, info.Mode().Perm())
	}
}
