package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(8, c.MaxLocalKeysPerCommunity)
	require.Equal(int64(5000), c.RequestTimeoutMs)
	require.Equal(int64(1000), c.LookupTimeoutMs)
	require.Equal(int64(7*24*60*60*1000), c.DefaultGraceMs)
	require.NotNil(c.Logger("test"))
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "senderkeys.yaml")
	require.Nil(os.WriteFile(path, []byte(`
root_dir: /tmp/sk
agent_id: desktop
request_timeout_ms: 250
max_local_keys_per_community: 4
relay_url: http://127.0.0.1:8080
user_id: alice
`), 0o600))

	f, err := LoadFile(path)
	require.Nil(err)
	require.Equal("http://127.0.0.1:8080", f.RelayURL)
	require.Equal("alice", f.UserID)

	c := NewConfig(f.Options()...)
	require.Equal("/tmp/sk", c.RootDir)
	require.Equal("desktop", c.AgentID)
	require.Equal(int64(250), c.RequestTimeoutMs)
	require.Equal(int64(1000), c.LookupTimeoutMs)
	require.Equal(4, c.MaxLocalKeysPerCommunity)
}

func TestLoadFileMissing(t *testing.T) {
	require := require.New(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(err, os.ErrNotExist)
}
