package keyderive

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"golang.org/x/crypto/hkdf"
)

func TestDeriveSymmetricKeyZeroesSecret(t *testing.T) {
	secret := []byte("aGVsbG8gcGlja2xlIGtleQ")
	key, err := DeriveSymmetricKey(secret)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != KeySize {
		t.Fatalf("key length: got %d, want %d", len(key), KeySize)
	}
	for i, b := range secret {
		if b != 0 {
			t.Fatalf("secret byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestDeriveSymmetricKeyMatchesHKDF(t *testing.T) {
	const pickle = "c29tZS1waWNrbGUta2V5"

	r := hkdf.New(sha256.New, []byte(pickle), make([]byte, 32), nil)
	want := make([]byte, 32)
	if _, err := io.ReadFull(r, want); err != nil {
		t.Fatal(err)
	}

	got, err := DeriveSymmetricKey([]byte(pickle))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("derived key mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestDeriveSymmetricKeyDeterministic(t *testing.T) {
	a, err := DeriveSymmetricKey([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveSymmetricKey([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := DeriveSymmetricKey([]byte("different"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same secret should derive the same key")
	}
	if bytes.Equal(a, c) {
		t.Error("different secrets should derive different keys")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	if !bytes.Equal(b, make([]byte, 4)) {
		t.Errorf("got %v, want zeros", b)
	}
	Zero(nil) // must not panic
}
