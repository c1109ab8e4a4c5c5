package keyderive

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// ErrInvalidRecoveryKey is returned for recovery keys with a bad prefix,
// length, parity byte or alphabet.
var ErrInvalidRecoveryKey = errors.New("keyderive: invalid recovery key")

var recoveryKeyPrefix = [2]byte{0x8B, 0x01}

// EncodeRecoveryKey renders a 32-byte key as a human-friendly recovery key:
// base58 of prefix || key || parity, split into space-separated groups of 4.
func EncodeRecoveryKey(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidRecoveryKey
	}
	buf := make([]byte, 0, len(recoveryKeyPrefix)+KeySize+1)
	buf = append(buf, recoveryKeyPrefix[:]...)
	buf = append(buf, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)
	defer Zero(buf)

	encoded := base58.Encode(buf)
	var sb strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := min(i+4, len(encoded))
		sb.WriteString(encoded[i:end])
	}
	return sb.String(), nil
}

// DecodeRecoveryKey parses a recovery key produced by EncodeRecoveryKey.
// Whitespace is ignored.
func DecodeRecoveryKey(s string) ([]byte, error) {
	compact := strings.Join(strings.Fields(s), "")
	if compact == "" {
		return nil, ErrInvalidRecoveryKey
	}
	raw := base58.Decode(compact)
	defer Zero(raw)

	if len(raw) != len(recoveryKeyPrefix)+KeySize+1 {
		return nil, ErrInvalidRecoveryKey
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return nil, ErrInvalidRecoveryKey
	}
	if raw[0] != recoveryKeyPrefix[0] || raw[1] != recoveryKeyPrefix[1] {
		return nil, ErrInvalidRecoveryKey
	}

	key := make([]byte, KeySize)
	copy(key, raw[len(recoveryKeyPrefix):len(recoveryKeyPrefix)+KeySize])
	return key, nil
}
