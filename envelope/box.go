package envelope

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/meow-io/go-senderkeys/crypto"
)

type Identity struct {
	UserID     string
	PublicKey  [32]byte
	PrivateKey [32]byte
}

func NewIdentity(userID string) (*Identity, error) {
	pub, priv, err := crypto.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("envelope: error generating identity: %w", err)
	}
	return &Identity{UserID: userID, PublicKey: pub, PrivateKey: priv}, nil
}

// BoxChannel seals with the box key shared between the local identity and the peer. The sender and
// recipient ids are bound as associated data so an envelope cannot be replayed to another pair.
type BoxChannel struct {
	identity  *Identity
	directory Directory
}

func NewBoxChannel(identity *Identity, directory Directory) *BoxChannel {
	return &BoxChannel{identity: identity, directory: directory}
}

func (bc *BoxChannel) Seal(ctx context.Context, plaintext []byte, recipientID string) (*SealedEnvelope, error) {
	pub, err := bc.publicKey(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptWithDH(pub[:], bc.identity.PrivateKey[:], plaintext, associatedData(bc.identity.UserID, recipientID))
	if err != nil {
		return nil, fmt.Errorf("envelope: error sealing for %s: %w", recipientID, err)
	}
	return &SealedEnvelope{
		EncryptionType:   TypePairwise,
		CiphertextBase64: base64.StdEncoding.EncodeToString(enc),
	}, nil
}

func (bc *BoxChannel) Unseal(ctx context.Context, env *SealedEnvelope, senderID string) ([]byte, error) {
	if env.EncryptionType != TypePairwise {
		return nil, fmt.Errorf("%w: got %q", ErrWeakEnvelope, env.EncryptionType)
	}
	enc, err := base64.StdEncoding.DecodeString(env.CiphertextBase64)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid ciphertext encoding: %w", err)
	}
	pub, err := bc.publicKey(ctx, senderID)
	if err != nil {
		return nil, err
	}
	out, err := crypto.DecryptWithDH(pub[:], bc.identity.PrivateKey[:], enc, associatedData(senderID, bc.identity.UserID))
	if err != nil {
		return nil, fmt.Errorf("envelope: error unsealing from %s: %w", senderID, err)
	}
	return out, nil
}

func (bc *BoxChannel) publicKey(ctx context.Context, userID string) ([32]byte, error) {
	if userID == bc.identity.UserID {
		return bc.identity.PublicKey, nil
	}
	pub, err := bc.directory.PublicKey(ctx, userID)
	if err != nil {
		return pub, fmt.Errorf("%w: %s: %v", ErrUnknownIdentity, userID, err)
	}
	return pub, nil
}

func associatedData(from, to string) []byte {
	return []byte(fmt.Sprintf("senderkeys:v1:%s:%s", from, to))
}
