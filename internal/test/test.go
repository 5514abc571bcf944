package test

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/envelope"
	db "github.com/meow-io/go-senderkeys/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("test-*")
	DeleteAll("out.log")
}

// NewTestPath returns a fresh path in the working directory which is removed by DBCleanup.
func NewTestPath() string {
	id := newID()
	return fmt.Sprintf("test-%x", id[:])
}

func NewTestDatabase(c *config.Config) *db.Database {
	db, err := db.NewDatabase(c, NewTestPath())
	if err != nil {
		panic(err)
	}
	key := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	if err := db.Initialize(key); err != nil {
		panic(err)
	}
	if err := db.Open(key); err != nil {
		panic(err)
	}
	return db
}

// Clock is a manually advanced clock.
type Clock struct {
	lock sync.Mutex
	now  time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) CurrentTimeMs() uint64 {
	return uint64(c.Now().UnixMilli())
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

var ErrTaggedMismatch = errors.New("test: envelope tagged for another pair")

// TaggingChannel is a reversible stand-in for a pairwise channel. Envelopes carry the sender and
// recipient in the clear so tests can assert routing without real key agreement.
type TaggingChannel struct {
	UserID string
	// Recipients for which Seal fails.
	FailFor map[string]bool
	// Type written on sealed envelopes, envelope.TypePairwise when empty.
	Type string
}

func (tc *TaggingChannel) Seal(ctx context.Context, plaintext []byte, recipientID string) (*envelope.SealedEnvelope, error) {
	if tc.FailFor[recipientID] {
		return nil, fmt.Errorf("test: no session with %s", recipientID)
	}
	t := tc.Type
	if t == "" {
		t = envelope.TypePairwise
	}
	body := fmt.Sprintf("%s|%s|%s", tc.UserID, recipientID, base64.StdEncoding.EncodeToString(plaintext))
	return &envelope.SealedEnvelope{EncryptionType: t, CiphertextBase64: base64.StdEncoding.EncodeToString([]byte(body))}, nil
}

func (tc *TaggingChannel) Unseal(ctx context.Context, env *envelope.SealedEnvelope, senderID string) ([]byte, error) {
	if env.EncryptionType != envelope.TypePairwise {
		return nil, fmt.Errorf("%w: got %q", envelope.ErrWeakEnvelope, env.EncryptionType)
	}
	body, err := base64.StdEncoding.DecodeString(env.CiphertextBase64)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(body), "|", 3)
	if len(parts) != 3 || parts[0] != senderID || parts[1] != tc.UserID {
		return nil, ErrTaggedMismatch
	}
	return base64.StdEncoding.DecodeString(parts[2])
}
