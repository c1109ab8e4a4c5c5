// Package pickle manages the device pickle key: a random secret created once
// per (user, device), stored encrypted under a wrapping key that never leaves
// the local store.
package pickle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gwillem/mxkeys/internal/keyderive"
	"github.com/gwillem/mxkeys/internal/store"
)

const (
	pickleKeySize = 32
	ivSize        = 32
)

var (
	// ErrNoPickleKey is returned by Load when no record exists.
	ErrNoPickleKey = errors.New("pickle: no pickle key")

	// ErrDecryption is returned when a stored record cannot be decrypted:
	// wrong AAD, tampered ciphertext, or a mismatched wrapping key.
	ErrDecryption = errors.New("pickle: decryption failed")
)

// recordStore is the subset of *store.Store used by Manager.
type recordStore interface {
	SavePickleKey(ctx context.Context, userID, deviceID string, rec *store.PickleKeyRecord) error
	LoadPickleKey(ctx context.Context, userID, deviceID string) (*store.PickleKeyRecord, error)
}

// Manager creates and loads pickle keys.
type Manager struct {
	store  recordStore
	rand   io.Reader
	logger zerolog.Logger
	group  singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithRandom overrides the source of randomness. A reader that fails is
// treated as a platform without cryptography.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager persisting records in s.
func NewManager(s recordStore, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		rand:   rand.Reader,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// additionalData returns userID || '|' || deviceID.
func additionalData(userID, deviceID string) []byte {
	aad := make([]byte, 0, len(userID)+1+len(deviceID))
	aad = append(aad, userID...)
	aad = append(aad, '|')
	aad = append(aad, deviceID...)
	return aad
}

// Create generates and persists a new pickle key for (userID, deviceID) and
// returns it unpadded-base64 encoded. Any previous record is replaced.
//
// Concurrent calls for the same identity share one creation.
func (m *Manager) Create(ctx context.Context, userID, deviceID string) (string, error) {
	v, err, _ := m.group.Do(userID+"|"+deviceID, func() (any, error) {
		return m.create(ctx, userID, deviceID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) create(ctx context.Context, userID, deviceID string) (string, error) {
	log := m.logger.With().Str("user_id", userID).Str("device_id", deviceID).Logger()

	key := make([]byte, pickleKeySize)
	defer keyderive.Zero(key)
	if _, err := io.ReadFull(m.rand, key); err != nil {
		log.Warn().Err(err).Msg("No secure randomness, pickle key disabled")
		return "", fmt.Errorf("%w: random: %v", keyderive.ErrUnsupportedPlatform, err)
	}

	wk, err := store.NewWrappingKey(m.rand)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot generate wrapping key, pickle key disabled")
		return "", fmt.Errorf("%w: %v", keyderive.ErrUnsupportedPlatform, err)
	}
	defer wk.Destroy()

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(m.rand, iv); err != nil {
		return "", fmt.Errorf("%w: iv: %v", keyderive.ErrUnsupportedPlatform, err)
	}

	encrypted, err := wk.Seal(iv, key, additionalData(userID, deviceID))
	if err != nil {
		return "", fmt.Errorf("pickle: encrypt: %w", err)
	}

	rec := &store.PickleKeyRecord{Encrypted: encrypted, IV: iv, WrappingKey: wk}
	if err := m.store.SavePickleKey(ctx, userID, deviceID, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to persist pickle key")
		return "", fmt.Errorf("pickle: save: %w", err)
	}

	log.Debug().Msg("Created pickle key")
	return base64.RawStdEncoding.EncodeToString(key), nil
}

// Load returns the stored pickle key for (userID, deviceID).
// It returns ErrNoPickleKey when no record exists, store.ErrMalformedRecord
// for incomplete records and ErrDecryption when the record does not decrypt
// for this identity. The stored record is left untouched on failure.
func (m *Manager) Load(ctx context.Context, userID, deviceID string) (string, error) {
	log := m.logger.With().Str("user_id", userID).Str("device_id", deviceID).Logger()

	rec, err := m.store.LoadPickleKey(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrMalformedRecord) {
			log.Warn().Err(err).Msg("Badly formatted pickle key")
		} else {
			log.Warn().Err(err).Msg("Failed to read pickle key")
		}
		return "", err
	}
	if rec == nil {
		return "", ErrNoPickleKey
	}
	defer rec.Destroy()

	key, err := rec.WrappingKey.Open(rec.IV, rec.Encrypted, additionalData(userID, deviceID))
	if err != nil {
		log.Warn().Msg("Error decrypting pickle key")
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer keyderive.Zero(key)

	return base64.RawStdEncoding.EncodeToString(key), nil
}

// LoadOrCreate loads the pickle key for (userID, deviceID), creating one if
// none exists yet. Unreadable records are not replaced. The lookup and the
// creation run as one step per identity, so racing callers get the same key.
func (m *Manager) LoadOrCreate(ctx context.Context, userID, deviceID string) (string, error) {
	v, err, _ := m.group.Do(userID+"|"+deviceID, func() (any, error) {
		key, err := m.Load(ctx, userID, deviceID)
		if errors.Is(err, ErrNoPickleKey) {
			return m.create(ctx, userID, deviceID)
		}
		return key, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
