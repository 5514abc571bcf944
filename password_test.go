package senderkeys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKeyStable(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))
}

func TestNewKeyDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestNewKeyTruncatedSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	require.Nil(os.WriteFile(filepath.Join(tmp, "salt"), []byte{1, 2, 3}, 0o600))
	_, err := newKey("some password", tmp, "salt")
	require.NotNil(err)
}
