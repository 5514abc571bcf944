// This package is the local key vault. It keeps, per community, a bounded ordered set of sender keys and
// the id of the active one, inside the encrypted local database so it remains readable offline.
package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/internal/db"
	"github.com/meow-io/go-senderkeys/migration"
	"go.uber.org/zap"
)

type SenderKey struct {
	CommunityID string
	KeyID       string
	Key         [32]byte
}

type Entry struct {
	ActiveKeyID string
	// Oldest first.
	Keys      []*SenderKey
	UpdatedAt time.Time
}

func (e *Entry) Key(keyID string) *SenderKey {
	for _, k := range e.Keys {
		if k.KeyID == keyID {
			return k
		}
	}
	return nil
}

func (e *Entry) Active() *SenderKey {
	if e.ActiveKeyID == "" {
		return nil
	}
	return e.Key(e.ActiveKeyID)
}

type Vault struct {
	log     *zap.SugaredLogger
	db      *db.Database
	clock   clock.Clock
	maxKeys int
}

func NewVault(c *config.Config, d *db.Database, cl clock.Clock) (*Vault, error) {
	v := &Vault{
		log:     c.Logger("vault"),
		db:      d,
		clock:   cl,
		maxKeys: c.MaxLocalKeysPerCommunity,
	}
	if v.maxKeys < 1 {
		v.maxKeys = 1
	}
	if err := d.Migrate("_vault", []*migration.Migration{
		{
			Name: "create vault table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _sender_key_vault (
	community_id TEXT PRIMARY KEY,
	record TEXT NOT NULL
);`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return v, nil
}

// Read returns the entry for a community or nil if nothing is stored.
func (v *Vault) Read(communityID string) (*Entry, error) {
	var e *Entry
	if err := v.db.RunReadOnly(fmt.Sprintf("vault read %s", communityID), func() error {
		var err error
		e, err = v.read(communityID)
		return err
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// ReadByID returns a specific key regardless of which key is active, or nil if it is not cached.
func (v *Vault) ReadByID(communityID, keyID string) (*SenderKey, error) {
	e, err := v.Read(communityID)
	if err != nil || e == nil {
		return nil, err
	}
	return e.Key(keyID), nil
}

// Active returns the active key for a community, or nil.
func (v *Vault) Active(communityID string) (*SenderKey, error) {
	e, err := v.Read(communityID)
	if err != nil || e == nil {
		return nil, err
	}
	return e.Active(), nil
}

// Write merges key into the community's entry. With setActive it becomes the active key; otherwise the
// prior active key is kept, or key becomes active if there was none. Oldest non-active keys are evicted
// while the entry is over its bound.
func (v *Vault) Write(key *SenderKey, setActive bool) error {
	return v.db.Run(fmt.Sprintf("vault write %s/%s", key.CommunityID, key.KeyID), func() error {
		e, err := v.read(key.CommunityID)
		if err != nil {
			return err
		}
		if e == nil {
			e = &Entry{}
		}
		e.merge(key, setActive, v.maxKeys)
		e.UpdatedAt = v.clock.Now()

		b, err := encodeRecord(e)
		if err != nil {
			return err
		}
		_, err = v.db.Tx.Exec(`INSERT INTO _sender_key_vault (community_id, record) VALUES (?, ?)
			ON CONFLICT (community_id) DO UPDATE SET record = excluded.record`, key.CommunityID, string(b))
		return err
	})
}

func (v *Vault) read(communityID string) (*Entry, error) {
	var raw string
	if err := v.db.Tx.Get(&raw, "SELECT record FROM _sender_key_vault WHERE community_id = ?", communityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: error reading %s: %w", communityID, err)
	}
	e, err := decodeRecord(communityID, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("vault: error decoding %s: %w", communityID, err)
	}
	if e.ActiveKeyID != "" && e.Key(e.ActiveKeyID) == nil {
		v.log.Warnf("active key %s for %s is not stored, clearing", e.ActiveKeyID, communityID)
		e.ActiveKeyID = ""
	}
	return e, nil
}

func (e *Entry) merge(key *SenderKey, setActive bool, maxKeys int) {
	if existing := e.Key(key.KeyID); existing != nil {
		existing.Key = key.Key
	} else {
		k := *key
		e.Keys = append(e.Keys, &k)
	}
	if setActive || e.Active() == nil {
		e.ActiveKeyID = key.KeyID
	}
	for len(e.Keys) > maxKeys {
		evicted := false
		for i, k := range e.Keys {
			if k.KeyID != e.ActiveKeyID {
				e.Keys = append(e.Keys[:i], e.Keys[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
