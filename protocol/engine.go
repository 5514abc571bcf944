// This package implements community sender-key establishment, rotation, lookup and distribution. Keys are
// coordinated through a remote.Store, distributed over an envelope.Channel and cached in a vault.Vault.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/crypto"
	"github.com/meow-io/go-senderkeys/envelope"
	"github.com/meow-io/go-senderkeys/ids"
	"github.com/meow-io/go-senderkeys/remote"
	"github.com/meow-io/go-senderkeys/vault"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	// No share addressed to this user exists for the needed key. Retry later or ask a holder to reshare.
	ErrNotProvisioned = errors.New("protocol: no key share provisioned for user")
	// The key needed to decrypt is neither cached nor fetchable while offline.
	ErrKeyUnavailableOffline = errors.New("protocol: key unavailable offline")
	ErrUnauthorizedRotation  = errors.New("protocol: only the key creator may rotate")
	ErrWeakEnvelopeRejected  = errors.New("protocol: share is not pairwise sealed")
	ErrClosed                = errors.New("protocol: engine is closed")

	errEstablishmentRaceLost = errors.New("protocol: establishment race lost")
)

// MemberLister supplies the members a newly established key is shared with.
type MemberLister interface {
	Members(ctx context.Context, communityID string) ([]string, error)
}

type Engine struct {
	log      *zap.SugaredLogger
	config   *config.Config
	clock    clock.Clock
	vault    *vault.Vault
	store    remote.Store
	channel  envelope.Channel
	members  MemberLister
	finished sync.WaitGroup
	lock     sync.Mutex
	closed   bool
}

// NewEngine creates an engine. members may be nil, in which case implicit establishment shares only with self.
func NewEngine(c *config.Config, cl clock.Clock, v *vault.Vault, store remote.Store, channel envelope.Channel, members MemberLister) *Engine {
	return &Engine{
		log:     c.Logger("protocol/engine"),
		config:  c,
		clock:   cl,
		vault:   v,
		store:   store,
		channel: channel,
		members: members,
	}
}

// Wait blocks until pending membership mirror writes have finished. Operations started while Wait is
// blocked may still add writes; use Close to stop accepting them first.
func (e *Engine) Wait() {
	e.finished.Wait()
}

// Close stops the engine and waits for pending mirror writes. Operations after Close return ErrClosed,
// and operations already running skip their mirror write.
func (e *Engine) Close() {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()
	e.finished.Wait()
}

func (e *Engine) checkOpen() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// EnsureCurrentKey returns the key to encrypt new messages with. Online, the server's active key always
// wins over anything cached. Offline, the cached active key is used, or a new unshared key is made.
func (e *Engine) EnsureCurrentKey(ctx context.Context, communityID, selfUserID string) (*vault.SenderKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !e.online(ctx) {
		return e.offlineKey(communityID)
	}
	state, err := e.keyState(ctx, communityID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		members, err := e.listMembers(ctx, communityID)
		if err != nil {
			return nil, err
		}
		candidate, err := e.vault.Active(communityID)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			if candidate, err = newSenderKey(communityID); err != nil {
				return nil, err
			}
		} else {
			e.log.Infof("registering locally generated key %s for %s", candidate.KeyID, communityID)
		}
		return e.establish(ctx, candidate, selfUserID, members)
	case errors.Is(err, remote.ErrUnavailable):
		e.log.Warnf("key state for %s unavailable, using local key: %v", communityID, err)
		return e.offlineKey(communityID)
	case err != nil:
		return nil, err
	}
	return e.adopt(ctx, state, selfUserID)
}

// Establish creates the community's first key and shares it with memberUserIDs and self. When another
// client established first, its key is fetched from the share addressed to self instead.
func (e *Engine) Establish(ctx context.Context, communityID, selfUserID string, memberUserIDs []string) (*vault.SenderKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	key, err := newSenderKey(communityID)
	if err != nil {
		return nil, err
	}
	return e.establish(ctx, key, selfUserID, memberUserIDs)
}

func (e *Engine) establish(ctx context.Context, key *vault.SenderKey, selfUserID string, memberUserIDs []string) (*vault.SenderKey, error) {
	if err := e.insertKeyState(ctx, key, selfUserID); err != nil {
		if errors.Is(err, errEstablishmentRaceLost) {
			e.log.Infof("lost establishment race for %s, fetching winning key", key.CommunityID)
			return e.joinEstablished(ctx, key.CommunityID, selfUserID)
		}
		return nil, err
	}
	e.log.Infof("established key %s for %s", key.KeyID, key.CommunityID)
	if err := e.vault.Write(key, true); err != nil {
		return nil, err
	}
	if err := e.share(ctx, key, selfUserID, memberUserIDs); err != nil {
		return nil, err
	}
	e.mirror(key.CommunityID, selfUserID, key.KeyID)
	return key, nil
}

func (e *Engine) insertKeyState(ctx context.Context, key *vault.SenderKey, selfUserID string) error {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()
	err := e.store.InsertKeyState(ctx, &remote.KeyState{
		CommunityID: key.CommunityID,
		ActiveKeyID: key.KeyID,
		CreatedBy:   selfUserID,
		UpdatedAt:   e.clock.Now(),
	})
	if errors.Is(err, remote.ErrAlreadyExists) {
		return errEstablishmentRaceLost
	}
	return err
}

// joinEstablished adopts the winner's key. The winner may not have written shares yet, so a missing share
// is retried once after the configured backoff.
func (e *Engine) joinEstablished(ctx context.Context, communityID, selfUserID string) (*vault.SenderKey, error) {
	var key *vault.SenderKey
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Duration(e.config.ShareRetryBackoffMs)*time.Millisecond), 1), ctx)
	err := backoff.RetryNotify(func() error {
		state, err := e.keyState(ctx, communityID)
		if err != nil {
			return backoff.Permanent(err)
		}
		key, err = e.adopt(ctx, state, selfUserID)
		if err != nil && !errors.Is(err, ErrNotProvisioned) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		e.log.Debugf("share for %s not yet provisioned, retrying in %s", communityID, d)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Rotate replaces the active key. Only the creator of the key state may rotate. Unless hard is set the
// previous key stays in grace until now plus grace; a negative grace counts as zero.
func (e *Engine) Rotate(ctx context.Context, communityID, rotatedBy string, memberUserIDs []string, grace time.Duration, hard bool) (*vault.SenderKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	state, err := e.keyState(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if state.CreatedBy != rotatedBy {
		return nil, fmt.Errorf("%w: %s created %s, not %s", ErrUnauthorizedRotation, state.CreatedBy, communityID, rotatedBy)
	}

	key, err := newSenderKey(communityID)
	if err != nil {
		return nil, err
	}
	var graceExpiresAt *time.Time
	if !hard {
		if grace < 0 {
			grace = 0
		}
		t := e.clock.Now().Add(grace)
		graceExpiresAt = &t
	}

	rctx, cancel := e.requestContext(ctx)
	updated, err := e.store.RotateKeyState(rctx, communityID, rotatedBy, key.KeyID, graceExpiresAt)
	cancel()
	if err != nil {
		if errors.Is(err, remote.ErrNotCreator) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorizedRotation, err)
		}
		return nil, err
	}
	e.log.Infof("rotated %s from %s to %s", communityID, updated.PreviousKeyID, updated.ActiveKeyID)

	if err := e.vault.Write(key, true); err != nil {
		return nil, err
	}
	if err := e.share(ctx, key, rotatedBy, memberUserIDs); err != nil {
		return nil, err
	}
	e.mirror(communityID, rotatedBy, key.KeyID)
	return key, nil
}

// ResolveKeyForMessage returns the key a received message was encrypted under. Keys fetched here are
// cached without becoming active unless they are the server's current active key.
func (e *Engine) ResolveKeyForMessage(ctx context.Context, communityID, selfUserID, keyID string) (*vault.SenderKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	key, err := e.vault.ReadByID(communityID, keyID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	if !e.online(ctx) {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyUnavailableOffline, communityID, keyID)
	}

	key, err = e.fetchShare(ctx, communityID, keyID, selfUserID)
	if err != nil {
		if errors.Is(err, remote.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrKeyUnavailableOffline, communityID, keyID, err)
		}
		return nil, err
	}

	state, err := e.keyState(ctx, communityID)
	if err != nil {
		e.log.Warnf("unable to check active key for %s, caching %s as inactive: %v", communityID, keyID, err)
	}
	active := err == nil && state.ActiveKeyID == keyID
	if err := e.vault.Write(key, active); err != nil {
		return nil, err
	}
	if active {
		e.mirror(communityID, selfUserID, keyID)
	}
	return key, nil
}

// Reshare shares the current active key with memberUserIDs again. Any member holding the key may call it,
// which is how members that got ErrNotProvisioned are recovered.
func (e *Engine) Reshare(ctx context.Context, communityID, selfUserID string, memberUserIDs []string) (*vault.SenderKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	state, err := e.keyState(ctx, communityID)
	if err != nil {
		return nil, err
	}
	key, err := e.adopt(ctx, state, selfUserID)
	if err != nil {
		return nil, err
	}
	if err := e.share(ctx, key, selfUserID, memberUserIDs); err != nil {
		return nil, err
	}
	return key, nil
}

// adopt makes the server's active key the local active key, fetching it from self's share if needed.
func (e *Engine) adopt(ctx context.Context, state *remote.KeyState, selfUserID string) (*vault.SenderKey, error) {
	key, err := e.vault.ReadByID(state.CommunityID, state.ActiveKeyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		if key, err = e.fetchShare(ctx, state.CommunityID, state.ActiveKeyID, selfUserID); err != nil {
			return nil, err
		}
	}
	if err := e.vault.Write(key, true); err != nil {
		return nil, err
	}
	e.mirror(state.CommunityID, selfUserID, key.KeyID)
	return key, nil
}

func (e *Engine) offlineKey(communityID string) (*vault.SenderKey, error) {
	key, err := e.vault.Active(communityID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	if key, err = newSenderKey(communityID); err != nil {
		return nil, err
	}
	e.log.Warnf("offline with no key for %s, generated unshared key %s", communityID, key.KeyID)
	if err := e.vault.Write(key, true); err != nil {
		return nil, err
	}
	return key, nil
}

func (e *Engine) fetchShare(ctx context.Context, communityID, keyID, selfUserID string) (*vault.SenderKey, error) {
	rctx, cancel := e.requestContext(ctx)
	share, err := e.store.Share(rctx, communityID, keyID, selfUserID)
	cancel()
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s for %s", ErrNotProvisioned, communityID, keyID, selfUserID)
		}
		return nil, err
	}
	if share.EncryptionType != envelope.TypePairwise {
		return nil, fmt.Errorf("%w: share %s/%s from %s has type %q", ErrWeakEnvelopeRejected, communityID, keyID, share.FromUserID, share.EncryptionType)
	}
	plaintext, err := e.channel.Unseal(ctx, &envelope.SealedEnvelope{
		EncryptionType:   share.EncryptionType,
		CiphertextBase64: share.EncryptedKeyBase64,
	}, share.FromUserID)
	if err != nil {
		if errors.Is(err, envelope.ErrWeakEnvelope) {
			return nil, fmt.Errorf("%w: %v", ErrWeakEnvelopeRejected, err)
		}
		return nil, fmt.Errorf("protocol: error unsealing share %s/%s from %s: %w", communityID, keyID, share.FromUserID, err)
	}
	if len(plaintext) != crypto.KeySize {
		return nil, fmt.Errorf("protocol: share %s/%s from %s holds %d bytes", communityID, keyID, share.FromUserID, len(plaintext))
	}
	return &vault.SenderKey{CommunityID: communityID, KeyID: keyID, Key: [crypto.KeySize]byte(plaintext)}, nil
}

// share seals key for every member plus the actor and writes the shares. A member that cannot be sealed
// for is logged and skipped; failing to seal for the actor, or to write the shares, is an error.
func (e *Engine) share(ctx context.Context, key *vault.SenderKey, actorUserID string, memberUserIDs []string) error {
	recipients := recipientsWithActor(memberUserIDs, actorUserID)
	shares := make([]*remote.KeyShare, 0, len(recipients))
	var skipped error
	for _, recipient := range recipients {
		env, err := e.channel.Seal(ctx, key.Key[:], recipient)
		if err == nil && env.EncryptionType != envelope.TypePairwise {
			err = fmt.Errorf("%w: channel produced %q", ErrWeakEnvelopeRejected, env.EncryptionType)
		}
		if err != nil {
			if recipient == actorUserID {
				return fmt.Errorf("protocol: error sealing %s for self: %w", key.KeyID, err)
			}
			skipped = multierr.Append(skipped, fmt.Errorf("%s: %w", recipient, err))
			continue
		}
		shares = append(shares, &remote.KeyShare{
			CommunityID:        key.CommunityID,
			KeyID:              key.KeyID,
			ToUserID:           recipient,
			FromUserID:         actorUserID,
			SenderAgentID:      e.config.AgentID,
			EncryptionType:     env.EncryptionType,
			EncryptedKeyBase64: env.CiphertextBase64,
			CreatedAt:          e.clock.Now(),
		})
	}

	rctx, cancel := e.requestContext(ctx)
	defer cancel()
	if err := e.store.InsertShares(rctx, shares); err != nil {
		return fmt.Errorf("protocol: error writing shares for %s: %w", key.KeyID, err)
	}
	if skipped != nil {
		e.log.Warnf("key %s for %s not shared with %d members: %v", key.KeyID, key.CommunityID, len(multierr.Errors(skipped)), skipped)
	}
	return nil
}

// mirror records which key a member holds. It runs in the background and never fails the caller.
func (e *Engine) mirror(communityID, userID, keyID string) {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		e.log.Debugf("engine closed, not mirroring %s/%s -> %s", communityID, userID, keyID)
		return
	}
	e.finished.Add(1)
	e.lock.Unlock()
	go func() {
		defer e.finished.Done()
		ctx, cancel := e.requestContext(context.Background())
		defer cancel()
		if err := e.store.UpsertMembership(ctx, &remote.Membership{CommunityID: communityID, UserID: userID, KeyID: keyID}); err != nil {
			e.log.Warnf("unable to mirror membership %s/%s -> %s: %v", communityID, userID, keyID, err)
		}
	}()
}

func (e *Engine) keyState(ctx context.Context, communityID string) (*remote.KeyState, error) {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()
	return e.store.KeyState(ctx, communityID)
}

func (e *Engine) listMembers(ctx context.Context, communityID string) ([]string, error) {
	if e.members == nil {
		return nil, nil
	}
	members, err := e.members.Members(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("protocol: error listing members of %s: %w", communityID, err)
	}
	return members, nil
}

func (e *Engine) online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.config.LookupTimeoutMs)*time.Millisecond)
	defer cancel()
	return e.store.Online(ctx)
}

func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(e.config.RequestTimeoutMs)*time.Millisecond)
}

func newSenderKey(communityID string) (*vault.SenderKey, error) {
	k, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	return &vault.SenderKey{CommunityID: communityID, KeyID: ids.NewKeyID(), Key: k}, nil
}

func recipientsWithActor(members []string, actor string) []string {
	out := make([]string, 0, len(members)+1)
	out = append(out, actor)
	for _, m := range members {
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

