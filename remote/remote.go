// This package defines the shared remote tables the protocol coordinates through: the per-community key
// state, the per-recipient key shares and the best-effort membership mirror.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("remote: not found")
	ErrAlreadyExists = errors.New("remote: already exists")
	ErrNotCreator    = errors.New("remote: actor did not create the key state")
	ErrUnavailable   = errors.New("remote: store unavailable")
)

// KeyState is the single authoritative row per community.
type KeyState struct {
	CommunityID   string `json:"community_id"`
	ActiveKeyID   string `json:"key_id"`
	PreviousKeyID string `json:"previous_key_id,omitempty"`
	// Nil after a hard rotation or before any rotation.
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
	CreatedBy      string     `json:"created_by"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// InGrace reports whether the previous key is still considered current for in-flight content at t.
func (ks *KeyState) InGrace(t time.Time) bool {
	return ks.PreviousKeyID != "" && ks.GraceExpiresAt != nil && t.Before(*ks.GraceExpiresAt)
}

type KeyShare struct {
	CommunityID        string    `json:"community_id"`
	KeyID              string    `json:"key_id"`
	ToUserID           string    `json:"to_user_id"`
	FromUserID         string    `json:"from_user_id"`
	SenderAgentID      string    `json:"sender_agent_id"`
	EncryptionType     string    `json:"encryption_type"`
	EncryptedKeyBase64 string    `json:"encrypted_key_base64"`
	CreatedAt          time.Time `json:"created_at"`
}

type Membership struct {
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
	KeyID       string `json:"key_id"`
}

type KeyStateStore interface {
	// KeyState returns ErrNotFound when no key has been established.
	KeyState(ctx context.Context, communityID string) (*KeyState, error)
	// InsertKeyState creates the row if absent and returns ErrAlreadyExists otherwise.
	InsertKeyState(ctx context.Context, state *KeyState) error
	// RotateKeyState moves the active key to previous and installs newKeyID, only where the row was
	// created by actor. It returns ErrNotCreator when the row exists under another creator.
	RotateKeyState(ctx context.Context, communityID, actor, newKeyID string, graceExpiresAt *time.Time) (*KeyState, error)
}

type ShareStore interface {
	// InsertShares is idempotent per (community, key, recipient); existing rows are left untouched.
	InsertShares(ctx context.Context, shares []*KeyShare) error
	Share(ctx context.Context, communityID, keyID, toUserID string) (*KeyShare, error)
}

type MembershipMirror interface {
	UpsertMembership(ctx context.Context, m *Membership) error
}

type Store interface {
	KeyStateStore
	ShareStore
	MembershipMirror
	// Online reports whether the store is currently reachable.
	Online(ctx context.Context) bool
}

// Directory publishes and resolves identity public keys for the pairwise channel.
type Directory interface {
	PublicKey(ctx context.Context, userID string) ([32]byte, error)
	PutPublicKey(ctx context.Context, userID string, pub [32]byte) error
}

// Backend is a store that also serves as the identity directory.
type Backend interface {
	Store
	Directory
}
