// This package defines the sealed-envelope boundary used to move key material between two identities,
// and a pairwise channel implementing it with X25519 box keys.
package envelope

import (
	"context"
	"errors"
)

// TypePairwise tags envelopes sealed end-to-end for a single recipient. Any other type is refused.
const TypePairwise = "pairwise_x25519_xchacha20poly1305"

var (
	ErrWeakEnvelope    = errors.New("envelope: envelope is not pairwise sealed")
	ErrUnknownIdentity = errors.New("envelope: no public key for identity")
)

type SealedEnvelope struct {
	EncryptionType   string `json:"encryption_type"`
	CiphertextBase64 string `json:"ciphertext_base64"`
}

// Channel seals plaintext for one recipient and unseals envelopes from one sender.
type Channel interface {
	Seal(ctx context.Context, plaintext []byte, recipientID string) (*SealedEnvelope, error)
	Unseal(ctx context.Context, env *SealedEnvelope, senderID string) ([]byte, error)
}

// Directory resolves a user id to its published X25519 public key.
type Directory interface {
	PublicKey(ctx context.Context, userID string) ([32]byte, error)
}
