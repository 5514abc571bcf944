// This package provides a high-level interface to community sender keys. A Client owns an encrypted local
// database holding its identity and key vault, and uses a remote backend to establish, rotate and fetch the
// keys used to encrypt community messages.
package senderkeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/crypto"
	"github.com/meow-io/go-senderkeys/envelope"
	"github.com/meow-io/go-senderkeys/internal/db"
	"github.com/meow-io/go-senderkeys/migration"
	"github.com/meow-io/go-senderkeys/protocol"
	"github.com/meow-io/go-senderkeys/remote"
	"github.com/meow-io/go-senderkeys/vault"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateInitialized
	StateRunning
)

var (
	ErrNotRunning = errors.New("senderkeys: client is not running")

	// The stored identity keys are malformed or the public key does not belong to the private key.
	ErrCorruptIdentity = errors.New("senderkeys: stored identity is corrupt")
)

type Client struct {
	DB       *db.Database
	config   *config.Config
	log      *zap.SugaredLogger
	state    int
	clock    clock.Clock
	userID   string
	backend  remote.Backend
	members  protocol.MemberLister
	identity *envelope.Identity
	vault    *vault.Vault
	engine   *protocol.Engine
}

// Create a client for userID. members may be nil.
func NewClient(c *config.Config, userID string, backend remote.Backend, members protocol.MemberLister) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client for %s, using root path of %s", userID, c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	db, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if db.Initialized() {
		state = StateInitialized
	}

	return &Client{
		DB:      db,
		config:  c,
		log:     log,
		state:   state,
		clock:   clock.NewSystemClock(),
		userID:  userID,
		backend: backend,
		members: members,
	}, nil
}

// Derive a database key from a password, using a salt stored in the root directory.
func (cl *Client) NewKey(password string) ([]byte, error) {
	return newKey(password, cl.config.RootDir, "salt")
}

func (cl *Client) UserID() string {
	return cl.userID
}

// Returns true if the client is in NEW state.
func (cl *Client) New() bool {
	return cl.state == StateNew
}

// Returns true if the client is in INITIALIZED state.
func (cl *Client) Initialized() bool {
	return cl.state == StateInitialized
}

// Returns true if the client is in RUNNING state.
func (cl *Client) Running() bool {
	return cl.state == StateRunning
}

// Initialize the client with a given key, creating its identity.
func (cl *Client) Initialize(key []byte) error {
	if cl.state != StateNew {
		return errors.New("senderkeys: cannot initialize unless in state new")
	}
	if err := cl.DB.Initialize(key); err != nil {
		return err
	}
	cl.state = StateInitialized
	return cl.Open(key)
}

// Open an existing client with a given key.
func (cl *Client) Open(key []byte) error {
	if cl.state != StateInitialized {
		return errors.New("senderkeys: cannot open unless in state initialized")
	}

	if err := cl.DB.Open(key); err != nil {
		return err
	}
	if err := cl.start(); err != nil {
		_ = cl.DB.Shutdown()
		return err
	}

	ctx, cancel := cl.requestContext(context.Background())
	defer cancel()
	if err := cl.PublishIdentity(ctx); err != nil {
		cl.log.Warnf("unable to publish identity, will retry on demand: %v", err)
	}
	return nil
}

func (cl *Client) start() error {
	if err := cl.DB.Migrate("_senderkeys", []*migration.Migration{
		{
			Name: "create identity table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _identity (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	public_key BLOB NOT NULL,
	private_key BLOB NOT NULL
);`)
				return err
			},
		},
	}); err != nil {
		return err
	}

	identity, err := cl.loadIdentity()
	if err != nil {
		return err
	}
	v, err := vault.NewVault(cl.config, cl.DB, cl.clock)
	if err != nil {
		return err
	}

	cl.identity = identity
	cl.vault = v
	cl.engine = protocol.NewEngine(cl.config, cl.clock, v, cl.backend, envelope.NewBoxChannel(identity, cl.backend), cl.members)
	cl.state = StateRunning
	return nil
}

// Shutdown stops the engine, waits for pending background writes and closes the database. It must not be
// called concurrently with other Client methods.
func (cl *Client) Shutdown() error {
	if cl.state != StateRunning {
		return nil
	}
	cl.engine.Close()

	if err := cl.DB.Shutdown(); err != nil {
		return fmt.Errorf("senderkeys: error during shutdown: %w", err)
	}

	cl.engine = nil
	cl.vault = nil
	cl.identity = nil
	cl.state = StateInitialized
	return nil
}

// PublishIdentity writes this client's public key to the backend directory.
func (cl *Client) PublishIdentity(ctx context.Context) error {
	if cl.state != StateRunning {
		return ErrNotRunning
	}
	return cl.backend.PutPublicKey(ctx, cl.userID, cl.identity.PublicKey)
}

func (cl *Client) PublicKey() ([32]byte, error) {
	if cl.state != StateRunning {
		return [32]byte{}, ErrNotRunning
	}
	return cl.identity.PublicKey, nil
}

// CurrentKey returns the key new messages to the community are encrypted with.
func (cl *Client) CurrentKey(ctx context.Context, communityID string) (*vault.SenderKey, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	return cl.engine.EnsureCurrentKey(ctx, communityID, cl.userID)
}

// Establish the first key for a community and share it with members.
func (cl *Client) Establish(ctx context.Context, communityID string, members []string) (*vault.SenderKey, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	return cl.engine.Establish(ctx, communityID, cl.userID, members)
}

// Rotate the community key. The previous key is in grace for the given duration; hard rotations have no grace.
func (cl *Client) Rotate(ctx context.Context, communityID string, members []string, grace time.Duration, hard bool) (*vault.SenderKey, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	return cl.engine.Rotate(ctx, communityID, cl.userID, members, grace, hard)
}

// KeyState returns the community's key state from the backend, including any grace period of the
// previous key.
func (cl *Client) KeyState(ctx context.Context, communityID string) (*remote.KeyState, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	ctx, cancel := cl.requestContext(ctx)
	defer cancel()
	return cl.backend.KeyState(ctx, communityID)
}

// DefaultGrace is the configured grace period for rotations.
func (cl *Client) DefaultGrace() time.Duration {
	return time.Duration(cl.config.DefaultGraceMs) * time.Millisecond
}

// KeyForMessage returns a specific key, used to decrypt messages sent under it.
func (cl *Client) KeyForMessage(ctx context.Context, communityID, keyID string) (*vault.SenderKey, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	return cl.engine.ResolveKeyForMessage(ctx, communityID, cl.userID, keyID)
}

// Reshare the current key with members that are missing it.
func (cl *Client) Reshare(ctx context.Context, communityID string, members []string) (*vault.SenderKey, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	return cl.engine.Reshare(ctx, communityID, cl.userID, members)
}

// LocalKeys returns the keys cached for a community, or nil.
func (cl *Client) LocalKeys(communityID string) (*vault.Entry, error) {
	if cl.state != StateRunning {
		return nil, ErrNotRunning
	}
	return cl.vault.Read(communityID)
}

// Encrypt a message to a community under its current key.
func (cl *Client) Encrypt(ctx context.Context, communityID string, plaintext []byte) ([]byte, error) {
	key, err := cl.CurrentKey(ctx, communityID)
	if err != nil {
		return nil, err
	}
	return crypto.SealGroupMessage(key.Key, key.KeyID, plaintext)
}

// Decrypt a community message, fetching the key it was sent under if needed.
func (cl *Client) Decrypt(ctx context.Context, communityID string, msg []byte) ([]byte, error) {
	keyID, err := crypto.GroupMessageKeyID(msg)
	if err != nil {
		return nil, err
	}
	key, err := cl.KeyForMessage(ctx, communityID, keyID)
	if err != nil {
		return nil, err
	}
	return crypto.OpenGroupMessage(key.Key, msg)
}

func (cl *Client) loadIdentity() (*envelope.Identity, error) {
	var identity *envelope.Identity
	if err := cl.DB.Run("load identity", func() error {
		row := struct {
			UserID     string `db:"user_id"`
			PublicKey  []byte `db:"public_key"`
			PrivateKey []byte `db:"private_key"`
		}{}
		err := cl.DB.Tx.Get(&row, "SELECT user_id, public_key, private_key FROM _identity WHERE id = 1")
		if err == nil {
			if row.UserID != cl.userID {
				return fmt.Errorf("senderkeys: database belongs to %s, not %s", row.UserID, cl.userID)
			}
			if len(row.PublicKey) != crypto.KeySize || len(row.PrivateKey) != crypto.KeySize {
				return ErrCorruptIdentity
			}
			priv := [crypto.KeySize]byte(row.PrivateKey)
			if crypto.PublicKey(priv) != [crypto.KeySize]byte(row.PublicKey) {
				return ErrCorruptIdentity
			}
			identity = &envelope.Identity{UserID: row.UserID, PublicKey: [crypto.KeySize]byte(row.PublicKey), PrivateKey: priv}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		identity, err = envelope.NewIdentity(cl.userID)
		if err != nil {
			return err
		}
		cl.log.Infof("created identity for %s", cl.userID)
		_, err = cl.DB.Tx.Exec("INSERT INTO _identity (id, user_id, public_key, private_key) VALUES (1, ?, ?, ?)", cl.userID, identity.PublicKey[:], identity.PrivateKey[:])
		return err
	}); err != nil {
		return nil, err
	}
	return identity, nil
}

func (cl *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(cl.config.RequestTimeoutMs)*time.Millisecond)
}
