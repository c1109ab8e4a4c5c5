// Package mxkeys manages the local credential keys of a Matrix client
// session: the device pickle key, the cached access token, secret storage
// keys, and the trust decisions that guard secret sharing.
package mxkeys

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys/internal/localstore"
	"github.com/gwillem/mxkeys/internal/pickle"
	"github.com/gwillem/mxkeys/internal/ssss"
	"github.com/gwillem/mxkeys/internal/store"
	"github.com/gwillem/mxkeys/internal/tokencache"
	"github.com/gwillem/mxkeys/internal/trust"
)

// Re-exported collaborator types, so callers need not import internal
// packages.
type (
	KeyInfo       = ssss.KeyInfo
	KeyServer     = ssss.KeyServer
	SecretCache   = ssss.SecretCache
	InputProvider = ssss.InputProvider
	Input         = ssss.Input
	InputFunc     = ssss.InputFunc
	TrustChecker  = trust.Checker
	TrustLevel    = trust.Level
	SecretSend    = ssss.SecretSend
)

// ErrNoKeyServer is returned by secret storage operations when the session
// was opened without a KeyServer.
var ErrNoKeyServer = errors.New("mxkeys: no key server configured")

// Session holds the key material of one (user, device) login.
type Session struct {
	userID     string
	deviceID   string
	dbPath     string
	legacyPath string
	logger     zerolog.Logger

	keyServer ssss.KeyServer
	secrets   ssss.SecretCache
	input     ssss.InputProvider
	checker   trust.Checker

	store    *store.Store
	legacy   *localstore.Store
	pickles  *pickle.Manager
	tokens   *tokencache.Cache
	resolver *ssss.Resolver
}

// Option configures a Session.
type Option func(*Session)

// WithDBPath overrides the key database path.
// If not set, defaults to $XDG_DATA_HOME/mxkeys/keys.db.
func WithDBPath(path string) Option {
	return func(s *Session) { s.dbPath = path }
}

// WithLegacyPath sets the plaintext store that older sessions kept their
// access token in. If not set, the legacy store lives in memory only.
func WithLegacyPath(path string) Option {
	return func(s *Session) { s.legacyPath = path }
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithKeyServer sets the remote secret storage view used to resolve keys.
func WithKeyServer(ks KeyServer) Option {
	return func(s *Session) { s.keyServer = ks }
}

// WithSecretCache sets the source of secrets shared with other devices.
func WithSecretCache(c SecretCache) Option {
	return func(s *Session) { s.secrets = c }
}

// WithInputProvider sets how passphrases and recovery keys are obtained.
func WithInputProvider(p InputProvider) Option {
	return func(s *Session) { s.input = p }
}

// WithTrustChecker replaces the locally recorded device trust as the source
// of verification decisions.
func WithTrustChecker(c TrustChecker) Option {
	return func(s *Session) { s.checker = c }
}

// Open opens the key store for (userID, deviceID). An unusable key database
// does not fail Open; it fails the operations that need it.
func Open(userID, deviceID string, opts ...Option) (*Session, error) {
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("mxkeys: user and device id are required")
	}
	s := &Session{
		userID:   userID,
		deviceID: deviceID,
		dbPath:   filepath.Join(store.DefaultDataDir(), "keys.db"),
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("user_id", userID).Str("device_id", deviceID).Logger()

	// The key database opens on first use. If it cannot, key operations
	// report store.ErrStoreUnavailable and the access token falls back to
	// the legacy store.
	st := store.New(s.dbPath)
	legacy, err := localstore.Open(s.legacyPath)
	if err != nil {
		return nil, fmt.Errorf("mxkeys: %w", err)
	}
	s.store = st
	s.legacy = legacy

	if s.checker == nil {
		s.checker = trust.StoreChecker{Store: st}
	}
	ks := s.keyServer
	if ks == nil {
		ks = noKeyServer{}
	}

	s.pickles = pickle.NewManager(st, pickle.WithLogger(s.logger))
	s.tokens = tokencache.New(st, s.pickles, legacy, userID, deviceID, tokencache.WithLogger(s.logger))
	s.resolver = ssss.NewResolver(userID, ks,
		ssss.WithSecretCache(s.secrets),
		ssss.WithInputProvider(s.input),
		ssss.WithTrustGate(trust.NewGate(s.checker, s.logger)),
		ssss.WithLogger(s.logger),
	)
	return s, nil
}

// UserID returns the session's user.
func (s *Session) UserID() string { return s.userID }

// DeviceID returns the session's device.
func (s *Session) DeviceID() string { return s.deviceID }

// Store returns the underlying key store.
func (s *Session) Store() *store.Store { return s.store }

// EnsurePickleKey returns the device pickle key, creating it on first use.
func (s *Session) EnsurePickleKey(ctx context.Context) (string, error) {
	return s.pickles.LoadOrCreate(ctx, s.userID, s.deviceID)
}

// PickleKey returns the existing device pickle key. It returns
// pickle.ErrNoPickleKey if none was created yet.
func (s *Session) PickleKey(ctx context.Context) (string, error) {
	return s.pickles.Load(ctx, s.userID, s.deviceID)
}

// CachedAccessToken returns the cached access token, or "" if none is
// available.
func (s *Session) CachedAccessToken(ctx context.Context) string {
	return s.tokens.Load(ctx)
}

// CacheAccessToken stores token, encrypted when a pickle key exists.
func (s *Session) CacheAccessToken(ctx context.Context, token string) error {
	return s.tokens.Save(ctx, token)
}

// Resolver returns the session's secret storage key resolver.
func (s *Session) Resolver() *ssss.Resolver { return s.resolver }

// AccessSecretStorage runs fn with secret storage key caching enabled. Keys
// resolved inside fn are wiped once it returns.
func (s *Session) AccessSecretStorage(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.keyServer == nil {
		return ErrNoKeyServer
	}
	return s.resolver.Access(ctx, fn)
}

// ResolveKey resolves the key for the given key IDs, as advertised by the
// key server. It requires a KeyServer.
func (s *Session) ResolveKey(ctx context.Context, keyIDs ...string) (string, []byte, error) {
	if s.keyServer == nil {
		return "", nil, ErrNoKeyServer
	}
	candidates := make(map[string]*ssss.KeyInfo, len(keyIDs))
	for _, id := range keyIDs {
		info, err := s.keyServer.KeyInfo(ctx, id)
		if err != nil {
			return "", nil, fmt.Errorf("mxkeys: key info %s: %w", id, err)
		}
		if info != nil {
			candidates[id] = info
		}
	}
	return s.resolver.ResolveKey(ctx, candidates)
}

// AnswerSecretRequest answers a raw m.secret.request event content sent by
// senderUserID. It returns nil, nil when nothing may be released.
func (s *Session) AnswerSecretRequest(ctx context.Context, senderUserID string, content []byte) (*SecretSend, error) {
	req, err := ssss.ParseSecretRequest(content)
	if err != nil {
		return nil, err
	}
	if req.RequestingDeviceID == s.deviceID && senderUserID == s.userID {
		return nil, nil
	}
	return s.resolver.AnswerRequest(ctx, senderUserID, req, nil), nil
}

// VerifyDevice records (userID, deviceID) as locally verified.
func (s *Session) VerifyDevice(ctx context.Context, userID, deviceID string) error {
	return trust.StoreChecker{Store: s.store}.Verify(ctx, userID, deviceID)
}

// IsDeviceVerified consults the session's trust checker.
func (s *Session) IsDeviceVerified(ctx context.Context, userID, deviceID string) (bool, error) {
	return s.checker.IsDeviceVerified(ctx, userID, deviceID)
}

// Close wipes cached keys and closes the store.
func (s *Session) Close() error {
	s.resolver.Close()
	return s.store.Close()
}

type noKeyServer struct{}

func (noKeyServer) DefaultKeyID(context.Context) (string, error) { return "", ErrNoKeyServer }

func (noKeyServer) KeyInfo(context.Context, string) (*ssss.KeyInfo, error) {
	return nil, ErrNoKeyServer
}

func (noKeyServer) CheckKey(context.Context, []byte, *ssss.KeyInfo) (bool, error) {
	return false, ErrNoKeyServer
}
