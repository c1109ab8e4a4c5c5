// Package ssss resolves secret storage keys for the local session and answers
// secret requests from the user's other devices.
package ssss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys/internal/keyderive"
	"github.com/gwillem/mxkeys/internal/trust"
)

var (
	// ErrAmbiguousKey is returned when several keys are offered, none of
	// them is the default, and there is no policy to choose between them.
	ErrAmbiguousKey = errors.New("ssss: multiple storage keys and no default")

	// ErrNoInput is returned when a key must be derived but no passphrase or
	// recovery key can be obtained.
	ErrNoInput = errors.New("ssss: no passphrase or recovery key available")

	// ErrIncorrectKey is returned when the supplied input does not match the
	// key's validation data.
	ErrIncorrectKey = errors.New("ssss: key does not match key info")
)

type resolvedKey struct {
	key  []byte
	info *KeyInfo
}

func (k *resolvedKey) destroy() {
	if k != nil {
		keyderive.Zero(k.key)
		k.key = nil
	}
}

// Resolver serves secret storage keys for one session. Its caches live in
// memory only and are wiped by Close.
type Resolver struct {
	userID  string
	server  KeyServer
	secrets SecretCache
	input   InputProvider
	gate    *trust.Gate
	logger  zerolog.Logger

	mu       sync.Mutex
	leases   int
	cache    map[string]*resolvedKey
	override *resolvedKey
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSecretCache sets the source of cross-signing and backup keys served
// to other devices.
func WithSecretCache(c SecretCache) Option {
	return func(r *Resolver) { r.secrets = c }
}

// WithInputProvider sets where passphrases and recovery keys come from.
func WithInputProvider(p InputProvider) Option {
	return func(r *Resolver) { r.input = p }
}

// WithTrustGate sets the predicate guarding secret requests.
func WithTrustGate(g *trust.Gate) Option {
	return func(r *Resolver) { r.gate = g }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a Resolver for the local user userID.
func NewResolver(userID string, server KeyServer, opts ...Option) *Resolver {
	r := &Resolver{
		userID: userID,
		server: server,
		logger: zerolog.Nop(),
		cache:  make(map[string]*resolvedKey),
	}
	for _, o := range opts {
		o(r)
	}
	if r.gate == nil {
		r.gate = trust.NewGate(nil, r.logger)
	}
	return r
}

// Lease permits caching of resolved keys while held.
type Lease struct {
	r    *Resolver
	once sync.Once
}

// BeginAccess opens a secret storage access window. Resolved keys are cached
// until the last open lease is released, at which point the cache is wiped.
func (r *Resolver) BeginAccess() *Lease {
	r.mu.Lock()
	r.leases++
	r.mu.Unlock()
	return &Lease{r: r}
}

// Release ends the access window. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.r.mu.Lock()
		defer l.r.mu.Unlock()
		l.r.leases--
		if l.r.leases == 0 {
			l.r.clearCacheLocked()
		}
	})
}

// Access runs fn inside an access window.
func (r *Resolver) Access(ctx context.Context, fn func(ctx context.Context) error) error {
	lease := r.BeginAccess()
	defer lease.Release()
	return fn(ctx)
}

// CachingAllowed reports whether an access window is open.
func (r *Resolver) CachingAllowed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases > 0
}

func (r *Resolver) clearCacheLocked() {
	for id, k := range r.cache {
		k.destroy()
		delete(r.cache, id)
	}
}

// CacheKey stores a copy of key for keyID if an access window is open.
func (r *Resolver) CacheKey(keyID string, info *KeyInfo, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases == 0 || keyID == "" {
		return
	}
	if old := r.cache[keyID]; old != nil {
		old.destroy()
	}
	r.cache[keyID] = &resolvedKey{key: bytes.Clone(key), info: info}
}

func (r *Resolver) cached(keyID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases == 0 {
		return nil
	}
	if k := r.cache[keyID]; k != nil {
		return bytes.Clone(k.key)
	}
	return nil
}

// ResolveKey picks one of the candidate keys and returns its ID and raw key
// bytes. The returned slice is a copy owned by the caller.
//
// With no candidates it returns "" and an empty key. The default key is used
// when it is among the candidates; otherwise a single candidate is chosen,
// and several candidates yield ErrAmbiguousKey. The key itself comes from the
// dehydration override, the session cache, or fresh user input, in that
// order.
func (r *Resolver) ResolveKey(ctx context.Context, candidates map[string]*KeyInfo) (string, []byte, error) {
	if len(candidates) == 0 {
		return "", []byte{}, nil
	}

	keyID, err := r.server.DefaultKeyID(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("ssss: default key id: %w", err)
	}
	var info *KeyInfo
	if keyID != "" {
		info = candidates[keyID]
		if info == nil {
			r.logger.Debug().Str("key_id", keyID).Msg("Default key not among candidates")
			keyID = ""
		}
	}
	if keyID == "" {
		if len(candidates) > 1 {
			return "", nil, ErrAmbiguousKey
		}
		for id, ki := range candidates {
			keyID, info = id, ki
		}
	}
	log := r.logger.With().Str("key_id", keyID).Logger()

	if key := r.dehydrationKeyFor(ctx, info); key != nil {
		log.Debug().Msg("Using dehydration key")
		r.CacheKey(keyID, info, key)
		return keyID, key, nil
	}

	if key := r.cached(keyID); key != nil {
		log.Debug().Msg("Using cached key")
		return keyID, key, nil
	}

	key, err := r.keyFromInput(ctx, keyID, info)
	if err != nil {
		return "", nil, err
	}
	ok, err := r.server.CheckKey(ctx, key, info)
	if err != nil {
		keyderive.Zero(key)
		return "", nil, fmt.Errorf("ssss: check key: %w", err)
	}
	if !ok {
		keyderive.Zero(key)
		return "", nil, ErrIncorrectKey
	}

	r.CacheKey(keyID, info, key)
	return keyID, key, nil
}

// dehydrationKeyFor returns a copy of the dehydration override if the server
// confirms it matches info, or nil.
func (r *Resolver) dehydrationKeyFor(ctx context.Context, info *KeyInfo) []byte {
	r.mu.Lock()
	if r.override == nil {
		r.mu.Unlock()
		return nil
	}
	key := bytes.Clone(r.override.key)
	r.mu.Unlock()

	ok, err := r.server.CheckKey(ctx, key, info)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to check dehydration key")
	}
	if err != nil || !ok {
		keyderive.Zero(key)
		return nil
	}
	return key
}

// keyFromInput asks the input provider for a passphrase or recovery key and
// turns it into raw key bytes.
func (r *Resolver) keyFromInput(ctx context.Context, keyID string, info *KeyInfo) ([]byte, error) {
	if r.input == nil {
		return nil, ErrNoInput
	}
	in, err := r.input.KeyInput(ctx, keyID, info)
	if err != nil {
		return nil, fmt.Errorf("ssss: key input: %w", err)
	}

	switch {
	case in.Passphrase != "":
		if info == nil || info.Passphrase == nil {
			return nil, fmt.Errorf("ssss: key %q has no passphrase", keyID)
		}
		p := info.Passphrase
		if p.Algorithm != PassphrasePBKDF2 {
			return nil, fmt.Errorf("ssss: unsupported passphrase algorithm %q", p.Algorithm)
		}
		return keyderive.DeriveFromPassphrase([]byte(in.Passphrase), p.Salt, p.Iterations, p.Bits)
	case in.RecoveryKey != "":
		return keyderive.DecodeRecoveryKey(in.RecoveryKey)
	default:
		return nil, ErrNoInput
	}
}

// SetDehydrationOverride installs key as the dehydration override,
// replacing any previous one. The Resolver keeps its own copy.
func (r *Resolver) SetDehydrationOverride(info *KeyInfo, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override.destroy()
	r.override = &resolvedKey{key: bytes.Clone(key), info: info}
}

// DehydrationKey obtains a key for info from the input provider and installs
// it as the dehydration override. The returned slice belongs to the caller
// and may be clobbered without affecting the override.
func (r *Resolver) DehydrationKey(ctx context.Context, info *KeyInfo) ([]byte, error) {
	key, err := r.keyFromInput(ctx, "", info)
	if err != nil {
		return nil, err
	}
	r.SetDehydrationOverride(info, key)
	return key, nil
}

// Close wipes every cached key and the dehydration override.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearCacheLocked()
	r.override.destroy()
	r.override = nil
}
