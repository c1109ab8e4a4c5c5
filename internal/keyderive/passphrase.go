package keyderive

import (
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultPassphraseBits is the key length used when the key info does not
// specify one.
const DefaultPassphraseBits = 256

// DeriveFromPassphrase derives a secret-storage key from a user passphrase
// using PBKDF2-HMAC-SHA512, as advertised by "m.pbkdf2" key infos.
func DeriveFromPassphrase(passphrase []byte, salt string, iterations, bits int) ([]byte, error) {
	defer Zero(passphrase)

	if iterations <= 0 {
		return nil, fmt.Errorf("keyderive: invalid iteration count %d", iterations)
	}
	if bits == 0 {
		bits = DefaultPassphraseBits
	}
	if bits%8 != 0 || bits < 128 {
		return nil, fmt.Errorf("keyderive: invalid key length %d bits", bits)
	}
	return pbkdf2.Key(passphrase, []byte(salt), iterations, bits/8, sha512.New), nil
}
