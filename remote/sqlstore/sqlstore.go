// This package implements the remote tables on a SQL database. PostgreSQL is used in deployment, SQLite
// (through SQLCipher) for single-node relays and tests. Queries are written with ? placeholders and
// rebound for the driver in use.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/internal/db"
	"github.com/meow-io/go-senderkeys/remote"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS community_sender_key_state (
		community_id TEXT PRIMARY KEY,
		key_id TEXT NOT NULL,
		previous_key_id TEXT,
		created_by TEXT NOT NULL,
		grace_expires_at_ms BIGINT,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS community_sender_key_shares (
		community_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		to_user_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		sender_agent_id TEXT NOT NULL,
		encryption_type TEXT NOT NULL,
		encrypted_key_base64 TEXT NOT NULL,
		created_at_ms BIGINT NOT NULL,
		PRIMARY KEY (community_id, key_id, to_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shares_recipient ON community_sender_key_shares (to_user_id)`,
	`CREATE TABLE IF NOT EXISTS community_memberships (
		community_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		updated_at_ms BIGINT NOT NULL,
		PRIMARY KEY (community_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS identity_keys (
		user_id TEXT PRIMARY KEY,
		public_key_base64 TEXT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
}

type keyStateRow struct {
	CommunityID      string         `db:"community_id"`
	KeyID            string         `db:"key_id"`
	PreviousKeyID    sql.NullString `db:"previous_key_id"`
	CreatedBy        string         `db:"created_by"`
	GraceExpiresAtMs sql.NullInt64  `db:"grace_expires_at_ms"`
	UpdatedAtMs      int64          `db:"updated_at_ms"`
}

func (r *keyStateRow) keyState() *remote.KeyState {
	ks := &remote.KeyState{
		CommunityID: r.CommunityID,
		ActiveKeyID: r.KeyID,
		CreatedBy:   r.CreatedBy,
		UpdatedAt:   time.UnixMilli(r.UpdatedAtMs).UTC(),
	}
	if r.PreviousKeyID.Valid {
		ks.PreviousKeyID = r.PreviousKeyID.String
	}
	if r.GraceExpiresAtMs.Valid {
		t := time.UnixMilli(r.GraceExpiresAtMs.Int64).UTC()
		ks.GraceExpiresAt = &t
	}
	return ks
}

type shareRow struct {
	CommunityID        string `db:"community_id"`
	KeyID              string `db:"key_id"`
	ToUserID           string `db:"to_user_id"`
	FromUserID         string `db:"from_user_id"`
	SenderAgentID      string `db:"sender_agent_id"`
	EncryptionType     string `db:"encryption_type"`
	EncryptedKeyBase64 string `db:"encrypted_key_base64"`
	CreatedAtMs        int64  `db:"created_at_ms"`
}

type Store struct {
	log            *zap.SugaredLogger
	conn           *sqlx.DB
	clock          clock.Clock
	requestTimeout time.Duration
	lookupTimeout  time.Duration
}

// Open connects to driver (DriverPostgres or DriverSQLite) at dsn and creates missing tables.
func Open(c *config.Config, cl clock.Clock, driverName, dsn string) (*Store, error) {
	var conn *sqlx.DB
	var err error
	switch driverName {
	case DriverPostgres:
		conn, err = sqlx.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: error opening database: %w", err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	case DriverSQLite:
		db.RegisterDriver()
		conn, err = sqlx.Open(db.DriverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: error opening database: %w", err)
		}
		conn.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driverName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlstore: error pinging database: %w", err)
	}
	return New(c, cl, conn)
}

// New wraps an open connection and creates missing tables.
func New(c *config.Config, cl clock.Clock, conn *sqlx.DB) (*Store, error) {
	s := &Store{
		log:            c.Logger("sqlstore"),
		conn:           conn,
		clock:          cl,
		requestTimeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		lookupTimeout:  time.Duration(c.LookupTimeoutMs) * time.Millisecond,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlstore: error running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	if err := s.conn.PingContext(ctx); err != nil {
		s.log.Debugf("ping failed: %v", err)
		return false
	}
	return true
}

func (s *Store) KeyState(ctx context.Context, communityID string) (*remote.KeyState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.keyState(ctx, s.conn, communityID)
}

func (s *Store) keyState(ctx context.Context, q sqlx.QueryerContext, communityID string) (*remote.KeyState, error) {
	row := &keyStateRow{}
	if err := sqlx.GetContext(ctx, q, row, s.conn.Rebind(`SELECT community_id, key_id, previous_key_id, created_by, grace_expires_at_ms, updated_at_ms
		FROM community_sender_key_state WHERE community_id = ?`), communityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: key state for %s: %w", communityID, remote.ErrNotFound)
		}
		return nil, classify(err)
	}
	return row.keyState(), nil
}

func (s *Store) InsertKeyState(ctx context.Context, state *remote.KeyState) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	var grace sql.NullInt64
	if state.GraceExpiresAt != nil {
		grace = sql.NullInt64{Int64: state.GraceExpiresAt.UnixMilli(), Valid: true}
	}
	var previous sql.NullString
	if state.PreviousKeyID != "" {
		previous = sql.NullString{String: state.PreviousKeyID, Valid: true}
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock.Now()
	}

	res, err := s.conn.ExecContext(ctx, s.conn.Rebind(`INSERT INTO community_sender_key_state
		(community_id, key_id, previous_key_id, created_by, grace_expires_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (community_id) DO NOTHING`),
		state.CommunityID, state.ActiveKeyID, previous, state.CreatedBy, grace, updatedAt.UnixMilli())
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlstore: key state for %s: %w", state.CommunityID, remote.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) RotateKeyState(ctx context.Context, communityID, actor, newKeyID string, graceExpiresAt *time.Time) (*remote.KeyState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	var grace sql.NullInt64
	if graceExpiresAt != nil {
		grace = sql.NullInt64{Int64: graceExpiresAt.UnixMilli(), Valid: true}
	}

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE community_sender_key_state
		SET previous_key_id = key_id, key_id = ?, grace_expires_at_ms = ?, updated_at_ms = ?
		WHERE community_id = ? AND created_by = ?`),
		newKeyID, grace, s.clock.Now().UnixMilli(), communityID, actor)
	if err != nil {
		return nil, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.keyState(ctx, tx, communityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("sqlstore: rotating %s as %s: %w", communityID, actor, remote.ErrNotCreator)
	}
	state, err := s.keyState(ctx, tx, communityID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return state, nil
}

func (s *Store) InsertShares(ctx context.Context, shares []*remote.KeyShare) error {
	if len(shares) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := tx.Rebind(`INSERT INTO community_sender_key_shares
		(community_id, key_id, to_user_id, from_user_id, sender_agent_id, encryption_type, encrypted_key_base64, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (community_id, key_id, to_user_id) DO NOTHING`)
	now := s.clock.Now()
	for _, share := range shares {
		createdAt := share.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, query, share.CommunityID, share.KeyID, share.ToUserID, share.FromUserID,
			share.SenderAgentID, share.EncryptionType, share.EncryptedKeyBase64, createdAt.UnixMilli()); err != nil {
			return classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Share(ctx context.Context, communityID, keyID, toUserID string) (*remote.KeyShare, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	row := &shareRow{}
	if err := s.conn.GetContext(ctx, row, s.conn.Rebind(`SELECT community_id, key_id, to_user_id, from_user_id, sender_agent_id,
		encryption_type, encrypted_key_base64, created_at_ms
		FROM community_sender_key_shares WHERE community_id = ? AND key_id = ? AND to_user_id = ?`), communityID, keyID, toUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: share %s/%s for %s: %w", communityID, keyID, toUserID, remote.ErrNotFound)
		}
		return nil, classify(err)
	}
	return &remote.KeyShare{
		CommunityID:        row.CommunityID,
		KeyID:              row.KeyID,
		ToUserID:           row.ToUserID,
		FromUserID:         row.FromUserID,
		SenderAgentID:      row.SenderAgentID,
		EncryptionType:     row.EncryptionType,
		EncryptedKeyBase64: row.EncryptedKeyBase64,
		CreatedAt:          time.UnixMilli(row.CreatedAtMs).UTC(),
	}, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m *remote.Membership) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, s.conn.Rebind(`INSERT INTO community_memberships (community_id, user_id, key_id, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (community_id, user_id) DO UPDATE SET key_id = excluded.key_id, updated_at_ms = excluded.updated_at_ms`),
		m.CommunityID, m.UserID, m.KeyID, s.clock.Now().UnixMilli()); err != nil {
		return classify(err)
	}
	return nil
}

// Membership returns the mirrored key id for a member.
func (s *Store) Membership(ctx context.Context, communityID, userID string) (*remote.Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	m := &remote.Membership{}
	if err := s.conn.QueryRowxContext(ctx, s.conn.Rebind(`SELECT community_id, user_id, key_id FROM community_memberships
		WHERE community_id = ? AND user_id = ?`), communityID, userID).Scan(&m.CommunityID, &m.UserID, &m.KeyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: membership %s/%s: %w", communityID, userID, remote.ErrNotFound)
		}
		return nil, classify(err)
	}
	return m, nil
}

func (s *Store) PutPublicKey(ctx context.Context, userID string, pub [32]byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, s.conn.Rebind(`INSERT INTO identity_keys (user_id, public_key_base64, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET public_key_base64 = excluded.public_key_base64, updated_at_ms = excluded.updated_at_ms`),
		userID, base64.StdEncoding.EncodeToString(pub[:]), s.clock.Now().UnixMilli()); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) PublicKey(ctx context.Context, userID string) ([32]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	var pub [32]byte
	var encoded string
	if err := s.conn.GetContext(ctx, &encoded, s.conn.Rebind(`SELECT public_key_base64 FROM identity_keys WHERE user_id = ?`), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pub, fmt.Errorf("sqlstore: identity %s: %w", userID, remote.ErrNotFound)
		}
		return pub, classify(err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return pub, fmt.Errorf("sqlstore: identity %s has an invalid public key", userID)
	}
	copy(pub[:], raw)
	return pub, nil
}

// classify marks connectivity failures as remote.ErrUnavailable so callers can fall back to offline behaviour.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("sqlstore: %w: %v", remote.ErrUnavailable, err)
	}
	return fmt.Errorf("sqlstore: %w", err)
}
