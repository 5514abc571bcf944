package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptWithKey(t *testing.T) {
	require := require.New(t)
	key, err := NewSymmetricKey()
	require.Nil(err)

	enc1, err := EncryptWithKey(key[:], []byte("hello"), []byte("ad"))
	require.Nil(err)
	enc2, err := EncryptWithKey(key[:], []byte("hello"), []byte("ad"))
	require.Nil(err)
	require.NotEqual(enc1, enc2)

	out, err := DecryptWithKey(key[:], enc1, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), out)

	_, err = DecryptWithKey(key[:], enc1, []byte("other"))
	require.ErrorIs(err, ErrDecrypt)
	_, err = DecryptWithKey(key[:], enc1[:10], []byte("ad"))
	require.ErrorIs(err, ErrDecrypt)
}

func TestEncryptWithDH(t *testing.T) {
	require := require.New(t)
	pubA, privA, err := NewKeyPair()
	require.Nil(err)
	pubB, privB, err := NewKeyPair()
	require.Nil(err)
	require.Equal(pubA, PublicKey(privA))

	enc, err := EncryptWithDH(pubB[:], privA[:], []byte("secret"), nil)
	require.Nil(err)
	out, err := DecryptWithDH(pubA[:], privB[:], enc, nil)
	require.Nil(err)
	require.Equal([]byte("secret"), out)

	pubC, _, err := NewKeyPair()
	require.Nil(err)
	_, err = DecryptWithDH(pubC[:], privB[:], enc, nil)
	require.ErrorIs(err, ErrDecrypt)
}

func TestGroupMessage(t *testing.T) {
	require := require.New(t)
	key, err := NewSymmetricKey()
	require.Nil(err)
	other, err := NewSymmetricKey()
	require.Nil(err)

	msg, err := SealGroupMessage(key, "0190a1b2-0000-7000-8000-000000000001", []byte("hi all"))
	require.Nil(err)

	keyID, err := GroupMessageKeyID(msg)
	require.Nil(err)
	require.Equal("0190a1b2-0000-7000-8000-000000000001", keyID)

	out, err := OpenGroupMessage(key, msg)
	require.Nil(err)
	require.Equal([]byte("hi all"), out)

	_, err = OpenGroupMessage(other, msg)
	require.ErrorIs(err, ErrDecrypt)

	msg[2] = 'x'
	_, err = OpenGroupMessage(key, msg)
	require.ErrorIs(err, ErrDecrypt)

	_, err = GroupMessageKeyID([]byte{2, 1, 'a'})
	require.ErrorIs(err, ErrMalformedMessage)
	_, err = GroupMessageKeyID([]byte{1, 9, 'a'})
	require.ErrorIs(err, ErrMalformedMessage)
}
