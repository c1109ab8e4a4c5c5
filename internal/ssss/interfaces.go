package ssss

import "context"

// KeyServer is the remote view of secret storage.
type KeyServer interface {
	// DefaultKeyID returns the default key ID, or "" if none is set.
	DefaultKeyID(ctx context.Context) (string, error)
	// KeyInfo returns the key info for keyID, or nil, nil if unknown.
	KeyInfo(ctx context.Context, keyID string) (*KeyInfo, error)
	// CheckKey reports whether key matches the stored validation data.
	CheckKey(ctx context.Context, key []byte, info *KeyInfo) (bool, error)
}

// SecretCache exposes privately cached key material of the crypto layer.
// Returned slices are owned by the caller, and nil means "not cached".
type SecretCache interface {
	CrossSigningKey(ctx context.Context, keyType string) ([]byte, error)
	SessionBackupKey(ctx context.Context) ([]byte, error)
}

// Input is what a human supplies to unlock a key: a passphrase or a recovery
// key. Passphrase takes precedence when both are set.
type Input struct {
	Passphrase  string
	RecoveryKey string
}

// InputProvider obtains key input, usually by prompting the user. It may
// block for as long as ctx allows.
type InputProvider interface {
	KeyInput(ctx context.Context, keyID string, info *KeyInfo) (Input, error)
}

// InputFunc adapts a function to InputProvider.
type InputFunc func(ctx context.Context, keyID string, info *KeyInfo) (Input, error)

// KeyInput implements InputProvider.
func (f InputFunc) KeyInput(ctx context.Context, keyID string, info *KeyInfo) (Input, error) {
	return f(ctx, keyID, info)
}
