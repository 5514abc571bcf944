package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/remote"
	"go.uber.org/zap"
)

// Client talks to a relay Server. It implements remote.Backend.
type Client struct {
	log           *zap.SugaredLogger
	base          string
	http          *http.Client
	lookupTimeout time.Duration
}

// NewClient creates a client for the relay at baseURL. A nil httpClient uses http.DefaultClient.
func NewClient(c *config.Config, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		log:           c.Logger("relay/client"),
		base:          strings.TrimRight(baseURL, "/"),
		http:          httpClient,
		lookupTimeout: time.Duration(c.LookupTimeoutMs) * time.Millisecond,
	}
}

func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		c.log.Debugf("relay unreachable: %v", err)
		return false
	}
	return true
}

func (c *Client) KeyState(ctx context.Context, communityID string) (*remote.KeyState, error) {
	state := &remote.KeyState{}
	if err := c.do(ctx, http.MethodGet, communityPath(communityID, "key-state"), nil, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Client) InsertKeyState(ctx context.Context, state *remote.KeyState) error {
	return c.do(ctx, http.MethodPost, communityPath(state.CommunityID, "key-state"), state, nil)
}

func (c *Client) RotateKeyState(ctx context.Context, communityID, actor, newKeyID string, graceExpiresAt *time.Time) (*remote.KeyState, error) {
	state := &remote.KeyState{}
	if err := c.do(ctx, http.MethodPost, communityPath(communityID, "key-state", "rotate"), &rotateRequest{
		Actor:          actor,
		NewKeyID:       newKeyID,
		GraceExpiresAt: graceExpiresAt,
	}, state); err != nil {
		return nil, err
	}
	return state, nil
}

// InsertShares posts shares grouped by community.
func (c *Client) InsertShares(ctx context.Context, shares []*remote.KeyShare) error {
	byCommunity := map[string][]*remote.KeyShare{}
	order := []string{}
	for _, s := range shares {
		if _, seen := byCommunity[s.CommunityID]; !seen {
			order = append(order, s.CommunityID)
		}
		byCommunity[s.CommunityID] = append(byCommunity[s.CommunityID], s)
	}
	for _, communityID := range order {
		if err := c.do(ctx, http.MethodPost, communityPath(communityID, "shares"), byCommunity[communityID], nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Share(ctx context.Context, communityID, keyID, toUserID string) (*remote.KeyShare, error) {
	share := &remote.KeyShare{}
	if err := c.do(ctx, http.MethodGet, communityPath(communityID, "shares", keyID, toUserID), nil, share); err != nil {
		return nil, err
	}
	return share, nil
}

func (c *Client) UpsertMembership(ctx context.Context, m *remote.Membership) error {
	return c.do(ctx, http.MethodPut, communityPath(m.CommunityID, "memberships", m.UserID), &membershipRequest{KeyID: m.KeyID}, nil)
}

func (c *Client) PutPublicKey(ctx context.Context, userID string, pub [32]byte) error {
	return c.do(ctx, http.MethodPut, "/identities/"+url.PathEscape(userID), &identityBody{
		UserID:          userID,
		PublicKeyBase64: base64.StdEncoding.EncodeToString(pub[:]),
	}, nil)
}

func (c *Client) PublicKey(ctx context.Context, userID string) ([32]byte, error) {
	var pub [32]byte
	body := &identityBody{}
	if err := c.do(ctx, http.MethodGet, "/identities/"+url.PathEscape(userID), nil, body); err != nil {
		return pub, err
	}
	raw, err := base64.StdEncoding.DecodeString(body.PublicKeyBase64)
	if err != nil || len(raw) != 32 {
		return pub, fmt.Errorf("relay: identity %s has an invalid public key", userID)
	}
	copy(pub[:], raw)
	return pub, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w: %v", method, path, remote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := &errorBody{}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(msg)
		return fmt.Errorf("relay: %s %s: %w", method, path, statusError(resp.StatusCode, msg.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay: error decoding %s response: %w", path, err)
	}
	return nil
}

func statusError(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", remote.ErrAlreadyExists, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", remote.ErrNotCreator, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", remote.ErrUnavailable, msg)
	}
	return fmt.Errorf("unexpected status %d: %s", status, msg)
}

func communityPath(communityID string, parts ...string) string {
	p := "/communities/" + url.PathEscape(communityID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
