// This package provides the symmetric and pairwise primitives used for sender keys: random key generation,
// XChaCha20-Poly1305 sealing under a symmetric key and sealing under a precomputed X25519 box key.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = 32

var ErrDecrypt = errors.New("crypto: unable to decrypt")

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// NewSymmetricKey returns 32 bytes from the system CSPRNG.
func NewSymmetricKey() ([KeySize]byte, error) {
	var k [KeySize]byte
	if _, err := io.ReadFull(crypto_rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	return k, nil
}

// NewKeyPair returns a fresh X25519 keypair.
func NewKeyPair() (pub, priv [KeySize]byte, err error) {
	p, s, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return pub, priv, err
	}
	return *p, *s, nil
}

// PublicKey derives the X25519 public key for priv.
func PublicKey(priv [KeySize]byte) [KeySize]byte {
	return *scalarmult.Base(&priv)
}

// EncryptWithDH seals msg under the box key shared between pub and priv.
func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	if len(pub) != KeySize || len(priv) != KeySize {
		return nil, fmt.Errorf("crypto: expected %d byte keys", KeySize)
	}
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	if len(pub) != KeySize || len(priv) != KeySize {
		return nil, fmt.Errorf("crypto: expected %d byte keys", KeySize)
	}
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// EncryptWithKey seals msg with XChaCha20-Poly1305. The random nonce is prepended to the ciphertext.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(msg)+cipher.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, out); err != nil {
		return nil, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	return cipher.Seal(out, out, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < chacha20poly1305.NonceSizeX+cipher.Overhead() {
		return nil, ErrDecrypt
	}
	out, err := cipher.Open(nil, enc[:chacha20poly1305.NonceSizeX], enc[chacha20poly1305.NonceSizeX:], ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
