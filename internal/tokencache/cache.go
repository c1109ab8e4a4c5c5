// Package tokencache persists the session access token, encrypted with a key
// derived from the device pickle key whenever one is available.
package tokencache

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys/internal/store"
)

// Keys used in the account table and the legacy plaintext store.
const (
	AccessTokenKey    = "mx_access_token"
	HasAccessTokenKey = "mx_has_access_token"
	HasPickleKeyKey   = "mx_has_pickle_key"
)

type accountStore interface {
	Get(ctx context.Context, table store.Table, key store.Key) ([]byte, error)
	Put(ctx context.Context, table store.Table, key store.Key, value []byte) error
}

type pickleSource interface {
	Load(ctx context.Context, userID, deviceID string) (string, error)
}

// LegacyStore is the plaintext location older sessions kept the token in.
type LegacyStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// tokenRecord is the account-table value. At most one field is set.
type tokenRecord struct {
	Ciphertext *EncryptedPayload `cbor:"ciphertext,omitempty"`
	Plaintext  string            `cbor:"plaintext,omitempty"`
}

// Cache loads and saves the access token of one (user, device) session.
type Cache struct {
	store    accountStore
	pickles  pickleSource
	legacy   LegacyStore
	userID   string
	deviceID string
	rand     io.Reader
	logger   zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *Cache) { c.rand = r }
}

// New returns a Cache for the session of (userID, deviceID).
func New(s accountStore, pickles pickleSource, legacy LegacyStore, userID, deviceID string, opts ...Option) *Cache {
	c := &Cache{
		store:    s,
		pickles:  pickles,
		legacy:   legacy,
		userID:   userID,
		deviceID: deviceID,
		rand:     rand.Reader,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) pickleKey(ctx context.Context) (string, bool) {
	key, err := c.pickles.Load(ctx, c.userID, c.deviceID)
	if err != nil {
		c.logger.Debug().Err(err).Msg("No usable pickle key")
		return "", false
	}
	return key, true
}

func (c *Cache) readRecord(ctx context.Context) (*tokenRecord, error) {
	data, err := c.store.Get(ctx, store.TableAccount, store.AccountKey(AccessTokenKey))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var rec tokenRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrMalformedRecord, err)
	}
	return &rec, nil
}

func (c *Cache) writeRecord(ctx context.Context, rec *tokenRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tokencache: marshal: %w", err)
	}
	return c.store.Put(ctx, store.TableAccount, store.AccountKey(AccessTokenKey), data)
}

// recordFor builds the record to persist for token, encrypted when
// pickleKey is non-empty and encryption succeeds.
func (c *Cache) recordFor(pickleKey, token string) *tokenRecord {
	if pickleKey == "" {
		return &tokenRecord{Plaintext: token}
	}
	payload, err := encryptToken(c.rand, pickleKey, token)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not encrypt access token")
		return &tokenRecord{Plaintext: token}
	}
	return &tokenRecord{Ciphertext: payload}
}

// Load returns the cached access token, or "" if none is known. A token left
// in the legacy plaintext location is migrated into the store on the way.
// Load never fails: every error degrades to the best plaintext available.
func (c *Cache) Load(ctx context.Context) string {
	fallback, hasLegacy := c.legacy.Get(AccessTokenKey)

	rec, err := c.readRecord(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read access token record")
	}

	// A legacy token is newer than any record: Save only leaves one behind
	// when the record could not be written.
	if err == nil && hasLegacy && fallback != "" {
		rec = c.migrate(ctx, fallback)
		if rec == nil {
			return fallback
		}
	}
	if rec == nil {
		return fallback
	}

	if rec.Ciphertext == nil {
		if rec.Plaintext != "" {
			return rec.Plaintext
		}
		return fallback
	}

	pickleKey, ok := c.pickleKey(ctx)
	if !ok {
		c.logger.Warn().Msg("Access token is encrypted but no pickle key is available")
		return fallback
	}
	token, err := decryptToken(pickleKey, rec.Ciphertext)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to decrypt access token")
		return fallback
	}
	return token
}

// migrate moves a legacy plaintext token into the store. Failures are logged
// and leave the legacy value in place.
func (c *Cache) migrate(ctx context.Context, token string) *tokenRecord {
	pickleKey, _ := c.pickleKey(ctx)
	rec := c.recordFor(pickleKey, token)
	if err := c.writeRecord(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Msg("Migration of access token to the store failed")
		return nil
	}
	if err := c.legacy.Remove(AccessTokenKey); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to remove legacy access token")
	}
	c.logger.Info().Bool("encrypted", rec.Ciphertext != nil).Msg("Migrated legacy access token")
	return rec
}

// Save persists token, encrypted if a pickle key is available. If the store
// cannot be written, the token is kept in the legacy plaintext location so
// the session is never lost. An error is returned only if both fail.
func (c *Cache) Save(ctx context.Context, token string) error {
	// Remember whether a token is expected, to detect a wiped store later.
	c.setFlag(HasAccessTokenKey, token != "")

	pickleKey, ok := c.pickleKey(ctx)
	if !ok {
		if _, expected := c.legacy.Get(HasPickleKeyKey); expected {
			c.logger.Warn().Msg("Expected a pickle key, but none provided. Encryption may not work.")
		}
	}

	rec := c.recordFor(pickleKey, token)
	if err := c.writeRecord(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to store access token, falling back to plaintext")
		if lerr := c.legacy.Set(AccessTokenKey, token); lerr != nil {
			return fmt.Errorf("tokencache: save: %w (fallback: %v)", err, lerr)
		}
	} else if _, had := c.legacy.Get(AccessTokenKey); had {
		if err := c.legacy.Remove(AccessTokenKey); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to remove stale legacy access token")
		}
	}

	if ok {
		c.setFlag(HasPickleKeyKey, true)
	}
	return nil
}

func (c *Cache) setFlag(key string, on bool) {
	var err error
	if on {
		err = c.legacy.Set(key, "true")
	} else {
		err = c.legacy.Remove(key)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("flag", key).Msg("Failed to update flag")
	}
}
