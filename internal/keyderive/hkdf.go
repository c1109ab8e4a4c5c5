// Package keyderive turns opaque secrets, passphrases and recovery keys into
// fixed-length symmetric keys.
package keyderive

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of every key produced by this package.
const KeySize = 32

// ErrUnsupportedPlatform is returned when the cryptographic primitives needed
// for derivation are unavailable. Callers treat it as "encryption disabled".
var ErrUnsupportedPlatform = errors.New("keyderive: cryptography unavailable")

// zeroSalt is the fixed all-zero HKDF salt.
var zeroSalt = make([]byte, KeySize)

// DeriveSymmetricKey expands an opaque low-entropy secret (such as a pickle
// key) into a 256-bit key using HKDF-SHA256 with an all-zero salt and empty
// info. The secret buffer is zeroed before returning, on every path.
func DeriveSymmetricKey(secret []byte) ([]byte, error) {
	defer Zero(secret)

	r := hkdf.New(sha256.New, secret, zeroSalt, nil)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		Zero(key)
		return nil, fmt.Errorf("%w: hkdf: %v", ErrUnsupportedPlatform, err)
	}
	return key, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	memguard.WipeBytes(b)
}
