package ssss

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/gwillem/mxkeys/internal/keyderive"
)

const (
	// AlgorithmAESHMACSHA2 is the secret storage algorithm whose key check
	// is implemented by CheckKey.
	AlgorithmAESHMACSHA2 = "m.secret_storage.v1.aes-hmac-sha2"

	// PassphrasePBKDF2 is the only supported passphrase algorithm.
	PassphrasePBKDF2 = "m.pbkdf2"
)

// KeyInfo is the server-advertised description of a secret storage key, as
// found in m.secret_storage.key.<id> account data.
type KeyInfo struct {
	Name       string          `json:"name,omitempty"`
	Algorithm  string          `json:"algorithm"`
	Passphrase *PassphraseInfo `json:"passphrase,omitempty"`
	IV         string          `json:"iv,omitempty"`
	MAC        string          `json:"mac,omitempty"`
}

// PassphraseInfo describes how to derive the key from a passphrase.
type PassphraseInfo struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// zeroCheck is the plaintext encrypted to produce a key check MAC.
var zeroCheck = make([]byte, 32)

// deriveCheckKeys splits HKDF-SHA256(key, zero salt, name) into an AES key
// and an HMAC key.
func deriveCheckKeys(key []byte, name string) (aesKey, macKey []byte, err error) {
	r := hkdf.New(sha256.New, key, make([]byte, 32), []byte(name))
	keys := make([]byte, 64)
	if _, err := io.ReadFull(r, keys); err != nil {
		return nil, nil, fmt.Errorf("ssss: hkdf: %w", err)
	}
	aesKey = make([]byte, 32)
	macKey = make([]byte, 32)
	copy(aesKey, keys[:32])
	copy(macKey, keys[32:])
	keyderive.Zero(keys)
	return aesKey, macKey, nil
}

// CalculateKeyCheck returns the base64 IV and MAC that prove knowledge of
// key. If iv is empty a random one is generated.
func CalculateKeyCheck(key []byte, iv string) (ivOut, mac string, err error) {
	var ivBytes []byte
	if iv == "" {
		ivBytes = make([]byte, aes.BlockSize)
		if _, err := rand.Read(ivBytes); err != nil {
			return "", "", fmt.Errorf("ssss: iv: %w", err)
		}
		// Clear bit 63 so the 64-bit counter cannot wrap.
		ivBytes[8] &= 0x7f
	} else {
		ivBytes, err = decodeBase64(iv)
		if err != nil {
			return "", "", fmt.Errorf("ssss: decode iv: %w", err)
		}
		if len(ivBytes) != aes.BlockSize {
			return "", "", fmt.Errorf("ssss: iv must be %d bytes, got %d", aes.BlockSize, len(ivBytes))
		}
	}

	aesKey, macKey, err := deriveCheckKeys(key, "")
	if err != nil {
		return "", "", err
	}
	defer keyderive.Zero(aesKey)
	defer keyderive.Zero(macKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", "", fmt.Errorf("ssss: aes cipher: %w", err)
	}
	ciphertext := make([]byte, len(zeroCheck))
	cipher.NewCTR(block, ivBytes).XORKeyStream(ciphertext, zeroCheck)

	h := hmac.New(sha256.New, macKey)
	h.Write(ciphertext)
	return base64.StdEncoding.EncodeToString(ivBytes), base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// CheckKey reports whether key matches the validation data in info. Key
// infos without a MAC cannot be checked and are assumed to match.
func CheckKey(key []byte, info *KeyInfo) (bool, error) {
	if info == nil {
		return false, fmt.Errorf("ssss: nil key info")
	}
	if info.MAC == "" {
		return true, nil
	}
	_, mac, err := CalculateKeyCheck(key, info.IV)
	if err != nil {
		return false, err
	}
	want := strings.TrimRight(info.MAC, "=")
	got := strings.TrimRight(mac, "=")
	return hmac.Equal([]byte(want), []byte(got)), nil
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
