package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/envelope"
	"github.com/meow-io/go-senderkeys/ids"
	"github.com/meow-io/go-senderkeys/internal/test"
	"github.com/meow-io/go-senderkeys/protocol"
	"github.com/meow-io/go-senderkeys/remote"
	"github.com/meow-io/go-senderkeys/remote/sqlstore"
	"github.com/meow-io/go-senderkeys/vault"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRelay(t *testing.T) (*httptest.Server, *Client, *test.Clock) {
	cl := test.NewClock(start)
	c := config.NewConfig()
	s, err := sqlstore.Open(c, cl, sqlstore.DriverSQLite, test.NewTestPath())
	require.Nil(t, err)
	srv := httptest.NewServer(NewServer(c, s).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return srv, NewClient(c, srv.URL, srv.Client()), cl
}

func TestClientKeyState(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, client, cl := newTestRelay(t)
	require.True(client.Online(ctx))

	_, err := client.KeyState(ctx, "c1")
	require.ErrorIs(err, remote.ErrNotFound)

	k1 := ids.NewKeyID()
	require.Nil(client.InsertKeyState(ctx, &remote.KeyState{CommunityID: "c1", ActiveKeyID: k1, CreatedBy: "alice"}))
	err = client.InsertKeyState(ctx, &remote.KeyState{CommunityID: "c1", ActiveKeyID: ids.NewKeyID(), CreatedBy: "bob"})
	require.ErrorIs(err, remote.ErrAlreadyExists)

	state, err := client.KeyState(ctx, "c1")
	require.Nil(err)
	require.Equal(k1, state.ActiveKeyID)
	require.Equal("alice", state.CreatedBy)
	require.True(start.Equal(state.UpdatedAt))

	k2 := ids.NewKeyID()
	_, err = client.RotateKeyState(ctx, "c1", "bob", k2, nil)
	require.ErrorIs(err, remote.ErrNotCreator)
	_, err = client.RotateKeyState(ctx, "c2", "bob", k2, nil)
	require.ErrorIs(err, remote.ErrNotFound)

	grace := cl.Now().Add(time.Hour)
	state, err = client.RotateKeyState(ctx, "c1", "alice", k2, &grace)
	require.Nil(err)
	require.Equal(k2, state.ActiveKeyID)
	require.Equal(k1, state.PreviousKeyID)
	require.True(grace.Equal(*state.GraceExpiresAt))
}

func TestClientShares(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, client, _ := newTestRelay(t)

	shares := []*remote.KeyShare{
		{CommunityID: "c1", KeyID: "k1", ToUserID: "bob", FromUserID: "alice", EncryptionType: envelope.TypePairwise, EncryptedKeyBase64: "abc"},
		{CommunityID: "c2", KeyID: "k9", ToUserID: "bob", FromUserID: "alice", EncryptionType: envelope.TypePairwise, EncryptedKeyBase64: "def"},
	}
	require.Nil(client.InsertShares(ctx, shares))
	require.Nil(client.InsertShares(ctx, shares))

	got, err := client.Share(ctx, "c1", "k1", "bob")
	require.Nil(err)
	require.Equal("abc", got.EncryptedKeyBase64)
	got, err = client.Share(ctx, "c2", "k9", "bob")
	require.Nil(err)
	require.Equal("def", got.EncryptedKeyBase64)

	_, err = client.Share(ctx, "c1", "k1", "carol")
	require.ErrorIs(err, remote.ErrNotFound)

	require.Nil(client.UpsertMembership(ctx, &remote.Membership{CommunityID: "c1", UserID: "bob", KeyID: "k1"}))
}

func TestClientIdentities(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, client, _ := newTestRelay(t)

	_, err := client.PublicKey(ctx, "alice")
	require.ErrorIs(err, remote.ErrNotFound)

	pub := [32]byte{7, 7, 7}
	require.Nil(client.PutPublicKey(ctx, "alice", pub))
	got, err := client.PublicKey(ctx, "alice")
	require.Nil(err)
	require.Equal(pub, got)
}

func TestServerValidation(t *testing.T) {
	require := require.New(t)
	srv, _, _ := newTestRelay(t)

	cases := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/communities/c1/key-state", `{"key_id":"not-a-uuid","created_by":"a"}`},
		{http.MethodPost, "/communities/c1/key-state", `{"key_id":"0190a1b2-0000-7000-8000-000000000001"}`},
		{http.MethodPost, "/communities/c1/key-state/rotate", `{"actor":"a","new_key_id":"x"}`},
		{http.MethodPost, "/communities/c1/shares", `[{"community_id":"c2","key_id":"k","to_user_id":"b","from_user_id":"a"}]`},
		{http.MethodPut, "/communities/c1/memberships/b", `{}`},
		{http.MethodPut, "/identities/a", `{"public_key_base64":"AAAA"}`},
		{http.MethodPost, "/communities/c1/shares", `not json`},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, bytes.NewBufferString(tc.body))
		require.Nil(err)
		resp, err := srv.Client().Do(req)
		require.Nil(err)
		require.Nil(resp.Body.Close())
		require.Equal(http.StatusBadRequest, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestInsertKeyStateIgnoresRotationFields(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	srv, client, cl := newTestRelay(t)

	body := `{"key_id":"` + ids.NewKeyID() + `","previous_key_id":"` + ids.NewKeyID() + `","created_by":"alice","grace_expires_at":"2030-01-01T00:00:00Z"}`
	resp, err := srv.Client().Post(srv.URL+"/communities/c1/key-state", "application/json", bytes.NewBufferString(body))
	require.Nil(err)
	require.Nil(resp.Body.Close())
	require.Equal(http.StatusCreated, resp.StatusCode)

	state, err := client.KeyState(ctx, "c1")
	require.Nil(err)
	require.Equal("", state.PreviousKeyID)
	require.Nil(state.GraceExpiresAt)
	require.False(state.InGrace(cl.Now()))
}

func TestClientUnavailable(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	srv, client, _ := newTestRelay(t)
	srv.Close()

	require.False(client.Online(ctx))
	_, err := client.KeyState(ctx, "c1")
	require.ErrorIs(err, remote.ErrUnavailable)
}

type relayNode struct {
	user   string
	engine *protocol.Engine
}

func newRelayNode(t *testing.T, url, user string) *relayNode {
	c := config.NewConfig(config.WithLoggingPrefix(user), config.WithShareRetryBackoffMs(10))
	d := test.NewTestDatabase(c)
	v, err := vault.NewVault(c, d, test.NewClock(start))
	require.Nil(t, err)
	client := NewClient(c, url, nil)
	identity, err := envelope.NewIdentity(user)
	require.Nil(t, err)
	require.Nil(t, client.PutPublicKey(context.Background(), user, identity.PublicKey))
	e := protocol.NewEngine(c, test.NewClock(start), v, client, envelope.NewBoxChannel(identity, client), nil)
	t.Cleanup(func() {
		e.Wait()
		_ = d.Shutdown()
	})
	return &relayNode{user: user, engine: e}
}

func TestProtocolOverRelay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	srv, _, _ := newTestRelay(t)
	a := newRelayNode(t, srv.URL, "alice")
	b := newRelayNode(t, srv.URL, "bob")

	k1, err := a.engine.Establish(ctx, "c1", "alice", []string{"bob"})
	require.Nil(err)
	got, err := b.engine.EnsureCurrentKey(ctx, "c1", "bob")
	require.Nil(err)
	require.Equal(k1, got)

	k2, err := a.engine.Rotate(ctx, "c1", "alice", []string{"bob"}, time.Hour, false)
	require.Nil(err)
	_, err = b.engine.Rotate(ctx, "c1", "bob", []string{"alice"}, time.Hour, false)
	require.ErrorIs(err, protocol.ErrUnauthorizedRotation)

	old, err := b.engine.ResolveKeyForMessage(ctx, "c1", "bob", k1.KeyID)
	require.Nil(err)
	require.Equal(k1, old)
	got, err = b.engine.EnsureCurrentKey(ctx, "c1", "bob")
	require.Nil(err)
	require.Equal(k2, got)
}
