package store

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
)

const wrappingKeySize = 32

// WrappingKey is an opaque AES-256-GCM key handle. Its bytes never leave this
// package: they are only serialized into the pickle-key table.
type WrappingKey struct {
	key []byte
}

// NewWrappingKey generates a fresh wrapping key from r.
func NewWrappingKey(r io.Reader) (*WrappingKey, error) {
	key := make([]byte, wrappingKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("store: generate wrapping key: %w", err)
	}
	return &WrappingKey{key: key}, nil
}

func (k *WrappingKey) aead(nonceSize int) (cipher.AEAD, error) {
	if k == nil || len(k.key) != wrappingKeySize {
		return nil, fmt.Errorf("store: wrapping key destroyed")
	}
	if nonceSize == 0 {
		return nil, fmt.Errorf("store: empty IV")
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("store: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("store: aes-gcm: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext with AES-GCM under iv, binding aad.
func (k *WrappingKey) Seal(iv, plaintext, aad []byte) ([]byte, error) {
	aead, err := k.aead(len(iv))
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

// Open decrypts ciphertext produced by Seal. It fails if iv, aad or the key
// differ from those used to seal.
func (k *WrappingKey) Open(iv, ciphertext, aad []byte) ([]byte, error) {
	aead, err := k.aead(len(iv))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt: %w", err)
	}
	return plaintext, nil
}

// Destroy wipes the key. The handle is unusable afterwards.
func (k *WrappingKey) Destroy() {
	if k == nil || k.key == nil {
		return
	}
	memguard.WipeBytes(k.key)
	k.key = nil
}

// PickleKeyRecord is the persisted, encrypted form of a device pickle key.
type PickleKeyRecord struct {
	Encrypted   []byte
	IV          []byte
	WrappingKey *WrappingKey
}

// Destroy wipes the wrapping key held by the record.
func (r *PickleKeyRecord) Destroy() {
	if r != nil {
		r.WrappingKey.Destroy()
	}
}

type pickleKeyRow struct {
	Encrypted []byte `cbor:"encrypted"`
	IV        []byte `cbor:"iv"`
	CryptoKey []byte `cbor:"cryptoKey"`
}

// SavePickleKey persists the pickle-key record for (userID, deviceID),
// replacing any previous record.
func (s *Store) SavePickleKey(ctx context.Context, userID, deviceID string, rec *PickleKeyRecord) error {
	if rec == nil || rec.WrappingKey == nil || len(rec.WrappingKey.key) == 0 {
		return fmt.Errorf("store: save pickle key: incomplete record")
	}
	data, err := cbor.Marshal(pickleKeyRow{
		Encrypted: rec.Encrypted,
		IV:        rec.IV,
		CryptoKey: rec.WrappingKey.key,
	})
	if err != nil {
		return fmt.Errorf("store: marshal pickle key: %w", err)
	}
	defer memguard.WipeBytes(data)
	return s.Put(ctx, TablePickleKey, PickleKeyID(userID, deviceID), data)
}

// LoadPickleKey loads the pickle-key record for (userID, deviceID).
// Returns nil, nil if no record exists and ErrMalformedRecord if the record
// cannot be decoded or lacks any of its fields.
func (s *Store) LoadPickleKey(ctx context.Context, userID, deviceID string) (*PickleKeyRecord, error) {
	data, err := s.Get(ctx, TablePickleKey, PickleKeyID(userID, deviceID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	defer memguard.WipeBytes(data)

	var row pickleKeyRow
	if err := cbor.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if len(row.Encrypted) == 0 || len(row.IV) == 0 || len(row.CryptoKey) != wrappingKeySize {
		memguard.WipeBytes(row.CryptoKey)
		return nil, ErrMalformedRecord
	}
	rec := &PickleKeyRecord{
		Encrypted:   bytes.Clone(row.Encrypted),
		IV:          bytes.Clone(row.IV),
		WrappingKey: &WrappingKey{key: bytes.Clone(row.CryptoKey)},
	}
	memguard.WipeBytes(row.CryptoKey)
	return rec, nil
}
