package tokencache

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/gwillem/mxkeys/internal/keyderive"
)

// tokenAAD binds ciphertexts to their purpose.
const tokenAAD = "access_token"

// EncryptedPayload is an AES-GCM encrypted access token.
type EncryptedPayload struct {
	IV         []byte `cbor:"iv"`
	Ciphertext []byte `cbor:"ciphertext"`
}

var errBadPayload = errors.New("tokencache: bad payload")

func newAEAD(pickleKey string) (cipher.AEAD, error) {
	key, err := keyderive.DeriveSymmetricKey([]byte(pickleKey))
	if err != nil {
		return nil, err
	}
	defer keyderive.Zero(key)

	// The block keeps its own key schedule.
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokencache: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencache: aes-gcm: %w", err)
	}
	return aead, nil
}

// encryptToken encrypts token under a key derived from pickleKey.
func encryptToken(rand io.Reader, pickleKey, token string) (*EncryptedPayload, error) {
	aead, err := newAEAD(pickleKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand, iv); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", keyderive.ErrUnsupportedPlatform, err)
	}
	return &EncryptedPayload{
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, []byte(token), []byte(tokenAAD)),
	}, nil
}

// decryptToken reverses encryptToken.
func decryptToken(pickleKey string, p *EncryptedPayload) (string, error) {
	aead, err := newAEAD(pickleKey)
	if err != nil {
		return "", err
	}
	if len(p.IV) != aead.NonceSize() {
		return "", errBadPayload
	}
	plaintext, err := aead.Open(nil, p.IV, p.Ciphertext, []byte(tokenAAD))
	if err != nil {
		return "", fmt.Errorf("tokencache: decrypt: %w", err)
	}
	return string(plaintext), nil
}
