package envelope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type mapDirectory map[string][32]byte

func (d mapDirectory) PublicKey(ctx context.Context, userID string) ([32]byte, error) {
	pub, ok := d[userID]
	if !ok {
		return pub, errors.New("not found")
	}
	return pub, nil
}

func newPair(t *testing.T) (*BoxChannel, *BoxChannel) {
	alice, err := NewIdentity("alice")
	require.Nil(t, err)
	bob, err := NewIdentity("bob")
	require.Nil(t, err)
	dir := mapDirectory{"alice": alice.PublicKey, "bob": bob.PublicKey}
	return NewBoxChannel(alice, dir), NewBoxChannel(bob, dir)
}

func TestBoxChannelRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	a, b := newPair(t)

	env, err := a.Seal(ctx, []byte("sender key bytes"), "bob")
	require.Nil(err)
	require.Equal(TypePairwise, env.EncryptionType)

	out, err := b.Unseal(ctx, env, "alice")
	require.Nil(err)
	require.Equal([]byte("sender key bytes"), out)
}

func TestBoxChannelSelf(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	a, _ := newPair(t)

	env, err := a.Seal(ctx, []byte("mine"), "alice")
	require.Nil(err)
	out, err := a.Unseal(ctx, env, "alice")
	require.Nil(err)
	require.Equal([]byte("mine"), out)
}

func TestBoxChannelBindsParties(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	a, b := newPair(t)

	env, err := a.Seal(ctx, []byte("for bob"), "bob")
	require.Nil(err)

	// claimed sender does not match
	_, err = b.Unseal(ctx, env, "bob")
	require.NotNil(err)

	// alice cannot open what she sealed for bob as if it came from bob
	_, err = a.Unseal(ctx, env, "bob")
	require.NotNil(err)
}

func TestBoxChannelRejectsWeakEnvelope(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	a, b := newPair(t)

	env, err := a.Seal(ctx, []byte("for bob"), "bob")
	require.Nil(err)
	env.EncryptionType = "plaintext"
	_, err = b.Unseal(ctx, env, "alice")
	require.ErrorIs(err, ErrWeakEnvelope)
}

func TestBoxChannelUnknownRecipient(t *testing.T) {
	require := require.New(t)
	a, _ := newPair(t)
	_, err := a.Seal(context.Background(), []byte("x"), "carol")
	require.ErrorIs(err, ErrUnknownIdentity)
}
