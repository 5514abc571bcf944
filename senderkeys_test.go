package senderkeys

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/internal/test"
	"github.com/meow-io/go-senderkeys/protocol"
	"github.com/meow-io/go-senderkeys/relay"
	"github.com/meow-io/go-senderkeys/remote"
	"github.com/meow-io/go-senderkeys/remote/sqlstore"
	"github.com/stretchr/testify/require"
)

var (
	password1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	password2 = []byte{1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 30}
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newBackend(t *testing.T) *sqlstore.Store {
	s, err := sqlstore.Open(config.NewConfig(), clock.NewSystemClock(), sqlstore.DriverSQLite, test.NewTestPath())
	require.Nil(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newClient(t *testing.T, root, userID string, backend remote.Backend) *Client {
	c := config.NewConfig(
		config.WithRootDir(root),
		config.WithLoggingPrefix(userID),
		config.WithShareRetryBackoffMs(10),
	)
	cl, err := NewClient(c, userID, backend, nil)
	require.Nil(t, err)
	return cl
}

func startClient(t *testing.T, userID string, backend remote.Backend) *Client {
	cl := newClient(t, test.NewTestPath(), userID, backend)
	require.Nil(t, cl.Initialize(password1))
	t.Cleanup(func() { _ = cl.Shutdown() })
	return cl
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	backend := newBackend(t)
	root := test.NewTestPath()

	cl := newClient(t, root, "alice", backend)
	require.True(cl.New())
	_, err := cl.CurrentKey(context.Background(), "c1")
	require.ErrorIs(err, ErrNotRunning)
	require.NotNil(cl.Open(password1))

	require.Nil(cl.Initialize(password1))
	require.True(cl.Running())
	pub, err := cl.PublicKey()
	require.Nil(err)
	published, err := backend.PublicKey(context.Background(), "alice")
	require.Nil(err)
	require.Equal(pub, published)
	require.Nil(cl.Shutdown())
	require.True(cl.Initialized())

	cl = newClient(t, root, "alice", backend)
	require.True(cl.Initialized())
	require.NotNil(cl.Open(password2))
	require.Nil(cl.Open(password1))
	reopened, err := cl.PublicKey()
	require.Nil(err)
	require.Equal(pub, reopened)
	require.Nil(cl.Shutdown())

	cl = newClient(t, root, "bob", backend)
	require.NotNil(cl.Open(password1))
}

func TestNewKeyFromPassword(t *testing.T) {
	require := require.New(t)
	backend := newBackend(t)
	root := test.NewTestPath()

	cl := newClient(t, root, "alice", backend)
	key, err := cl.NewKey("hunter2")
	require.Nil(err)
	require.Nil(cl.Initialize(key))
	require.Nil(cl.Shutdown())

	cl = newClient(t, root, "alice", backend)
	key, err = cl.NewKey("hunter2")
	require.Nil(err)
	require.Nil(cl.Open(key))
	require.Nil(cl.Shutdown())
}

func TestEncryptDecrypt(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	backend := newBackend(t)
	alice := startClient(t, "alice", backend)
	bob := startClient(t, "bob", backend)

	k1, err := alice.Establish(ctx, "c1", []string{"bob"})
	require.Nil(err)
	msg1, err := alice.Encrypt(ctx, "c1", []byte("hello"))
	require.Nil(err)
	plain, err := bob.Decrypt(ctx, "c1", msg1)
	require.Nil(err)
	require.Equal([]byte("hello"), plain)

	k2, err := alice.Rotate(ctx, "c1", []string{"bob"}, time.Hour, false)
	require.Nil(err)
	require.NotEqual(k1.KeyID, k2.KeyID)
	msg2, err := alice.Encrypt(ctx, "c1", []byte("after rotation"))
	require.Nil(err)
	plain, err = bob.Decrypt(ctx, "c1", msg2)
	require.Nil(err)
	require.Equal([]byte("after rotation"), plain)

	plain, err = bob.Decrypt(ctx, "c1", msg1)
	require.Nil(err)
	require.Equal([]byte("hello"), plain)

	reply, err := bob.Encrypt(ctx, "c1", []byte("hi alice"))
	require.Nil(err)
	plain, err = alice.Decrypt(ctx, "c1", reply)
	require.Nil(err)
	require.Equal([]byte("hi alice"), plain)

	entry, err := bob.LocalKeys("c1")
	require.Nil(err)
	require.Equal(k2.KeyID, entry.ActiveKeyID)
	require.NotNil(entry.Key(k1.KeyID))
}

func TestDecryptNotProvisioned(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	backend := newBackend(t)
	alice := startClient(t, "alice", backend)
	carol := startClient(t, "carol", backend)

	_, err := alice.Establish(ctx, "c1", []string{"bob"})
	require.Nil(err)
	msg, err := alice.Encrypt(ctx, "c1", []byte("secret"))
	require.Nil(err)

	_, err = carol.Decrypt(ctx, "c1", msg)
	require.ErrorIs(err, protocol.ErrNotProvisioned)

	_, err = alice.Reshare(ctx, "c1", []string{"bob", "carol"})
	require.Nil(err)
	plain, err := carol.Decrypt(ctx, "c1", msg)
	require.Nil(err)
	require.Equal([]byte("secret"), plain)
}

func TestEncryptDecryptOverRelay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer(config.NewConfig(), newBackend(t)).Handler())
	t.Cleanup(srv.Close)

	alice := startClient(t, "alice", relay.NewClient(config.NewConfig(), srv.URL, nil))
	bob := startClient(t, "bob", relay.NewClient(config.NewConfig(), srv.URL, nil))

	_, err := alice.Establish(ctx, "c1", []string{"bob"})
	require.Nil(err)
	msg, err := alice.Encrypt(ctx, "c1", []byte("via relay"))
	require.Nil(err)
	plain, err := bob.Decrypt(ctx, "c1", msg)
	require.Nil(err)
	require.Equal([]byte("via relay"), plain)
}

func TestCorruptIdentityRejected(t *testing.T) {
	require := require.New(t)
	backend := newBackend(t)
	root := test.NewTestPath()

	cl := newClient(t, root, "alice", backend)
	require.Nil(cl.Initialize(password1))
	require.Nil(cl.DB.Run("replace public key", func() error {
		_, err := cl.DB.Tx.Exec("UPDATE _identity SET public_key = ?", make([]byte, 32))
		return err
	}))
	require.Nil(cl.Shutdown())

	cl = newClient(t, root, "alice", backend)
	require.ErrorIs(cl.Open(password1), ErrCorruptIdentity)
	require.True(cl.Initialized())
}
