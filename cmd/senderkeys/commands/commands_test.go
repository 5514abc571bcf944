package commands

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/internal/test"
	"github.com/meow-io/go-senderkeys/relay"
	"github.com/meow-io/go-senderkeys/remote/sqlstore"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestRelay(t *testing.T) string {
	c := config.NewConfig()
	s, err := sqlstore.Open(c, clock.NewSystemClock(), sqlstore.DriverSQLite, test.NewTestPath())
	require.Nil(t, err)
	srv := httptest.NewServer(relay.NewServer(c, s).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return srv.URL
}

func run(args ...string) (string, error) {
	root := NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// keyID returns the key id from a "<community> <key id>" line.
func keyID(t *testing.T, out string) string {
	fields := strings.Fields(strings.SplitN(out, "\n", 2)[0])
	require.Len(t, fields, 2, out)
	return fields[1]
}

func TestEstablishRotateCurrent(t *testing.T) {
	require := require.New(t)
	url := newTestRelay(t)
	flags := []string{"-p", "pw", "-u", "alice", "--relay", url, "--home", test.NewTestPath()}

	out, err := run(append([]string{"init"}, flags...)...)
	require.Nil(err)
	require.Contains(out, "Identity created for alice")
	_, err = run(append([]string{"init"}, flags...)...)
	require.NotNil(err)

	out, err = run(append([]string{"establish", "c1", "bob"}, flags...)...)
	require.Nil(err)
	k1 := keyID(t, out)

	out, err = run(append([]string{"current", "c1"}, flags...)...)
	require.Nil(err)
	require.Equal(k1, keyID(t, out))
	require.NotContains(out, "grace")

	out, err = run(append([]string{"rotate", "c1", "bob", "--grace", "1h"}, flags...)...)
	require.Nil(err)
	k2 := keyID(t, out)
	require.NotEqual(k1, k2)

	out, err = run(append([]string{"current", "c1"}, flags...)...)
	require.Nil(err)
	require.Equal(k2, keyID(t, out))
	require.Contains(out, "previous key "+k1+" in grace until")

	out, err = run(append([]string{"keys", "c1"}, flags...)...)
	require.Nil(err)
	require.Contains(out, "* "+k2)
	require.Contains(out, "  "+k1)

	out, err = run(append([]string{"encrypt", "c1", "hello"}, flags...)...)
	require.Nil(err)
	out, err = run(append([]string{"decrypt", "c1", strings.TrimSpace(out)}, flags...)...)
	require.Nil(err)
	require.Equal("hello\n", out)

	out, err = run(append([]string{"rotate", "c1", "--hard"}, flags...)...)
	require.Nil(err)
	k3 := keyID(t, out)
	out, err = run(append([]string{"current", "c1"}, flags...)...)
	require.Nil(err)
	require.Equal(k3, keyID(t, out))
	require.NotContains(out, "grace")
}

func TestConfigFile(t *testing.T) {
	require := require.New(t)
	url := newTestRelay(t)
	dir := test.NewTestPath()
	require.Nil(os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "senderkeys.yaml")
	require.Nil(os.WriteFile(path, []byte(`
root_dir: `+filepath.Join(dir, "home")+`
relay_url: `+url+`
user_id: carol
default_grace_ms: 60000
`), 0o600))

	out, err := run("init", "--config", path, "-p", "pw")
	require.Nil(err)
	require.Contains(out, "Identity created for carol")
	_, err = os.Stat(filepath.Join(dir, "home", "data"))
	require.Nil(err)

	_, err = run("establish", "c1", "--config", path, "-p", "pw")
	require.Nil(err)
	_, err = run("rotate", "c1", "--config", path, "-p", "pw")
	require.Nil(err)
	out, err = run("current", "c1", "--config", path, "-p", "pw")
	require.Nil(err)
	require.Contains(out, "in grace until")
}

func TestClientFlagsRequired(t *testing.T) {
	require := require.New(t)
	home := test.NewTestPath()

	_, err := run("current", "c1", "--home", home, "-u", "alice", "--relay", "http://127.0.0.1:1")
	require.ErrorContains(err, "passphrase required")
	_, err = run("current", "c1", "--home", home, "-p", "pw", "-u", "alice")
	require.ErrorContains(err, "no relay configured")
	_, err = run("current", "c1", "--home", home, "-p", "pw", "-u", "alice", "--relay", "http://127.0.0.1:1")
	require.ErrorContains(err, "run init first")
}
