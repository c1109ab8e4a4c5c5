package ssss

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestKeyCheckRoundTrip(t *testing.T) {
	key := testKey(1)
	info := keyInfoFor(t, key)

	ok, err := CheckKey(key, info)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("key does not match its own check")
	}

	ok, err = CheckKey(testKey(2), info)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong key matched")
	}
}

func TestKeyCheckUnpadded(t *testing.T) {
	key := testKey(3)
	info := keyInfoFor(t, key)
	info.IV = strings.TrimRight(info.IV, "=")
	info.MAC = strings.TrimRight(info.MAC, "=")

	ok, err := CheckKey(key, info)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("unpadded key info rejected")
	}
}

func TestCalculateKeyCheckDeterministic(t *testing.T) {
	key := testKey(4)
	iv := base64.StdEncoding.EncodeToString(make([]byte, 16))

	iv1, mac1, err := CalculateKeyCheck(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	iv2, mac2, err := CalculateKeyCheck(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	if iv1 != iv || iv2 != iv || mac1 != mac2 {
		t.Error("key check is not deterministic for a fixed iv")
	}
}

func TestCalculateKeyCheckRandomIV(t *testing.T) {
	iv, _, err := CalculateKeyCheck(testKey(5), "")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 16 {
		t.Fatalf("iv length %d, want 16", len(raw))
	}
	if raw[8]&0x80 != 0 {
		t.Error("bit 63 of generated iv is set")
	}
}

func TestCheckKeyEdgeCases(t *testing.T) {
	if ok, err := CheckKey(testKey(1), &KeyInfo{Algorithm: AlgorithmAESHMACSHA2}); err != nil || !ok {
		t.Errorf("key info without mac: got %v, %v", ok, err)
	}
	if _, err := CheckKey(testKey(1), nil); err == nil {
		t.Error("nil key info: expected error")
	}
	if _, err := CheckKey(testKey(1), &KeyInfo{IV: "short", MAC: "abc"}); err == nil {
		t.Error("bad iv: expected error")
	}
}
