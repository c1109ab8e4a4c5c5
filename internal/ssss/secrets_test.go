package ssss

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys/internal/trust"
)

type fakeSecrets struct {
	crossSigning map[string][]byte
	backup       []byte
	err          error
	lookups      []string
}

func (f *fakeSecrets) CrossSigningKey(_ context.Context, keyType string) ([]byte, error) {
	f.lookups = append(f.lookups, keyType)
	if f.err != nil {
		return nil, f.err
	}
	if k, ok := f.crossSigning[keyType]; ok {
		return append([]byte(nil), k...), nil
	}
	return nil, nil
}

func (f *fakeSecrets) SessionBackupKey(context.Context) ([]byte, error) {
	f.lookups = append(f.lookups, "backup")
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.backup...), nil
}

type staticChecker bool

func (c staticChecker) IsDeviceVerified(context.Context, string, string) (bool, error) {
	return bool(c), nil
}

func newSecretsResolver(secrets *fakeSecrets, checker trust.Checker) *Resolver {
	return NewResolver("@alice:example.org", &fakeServer{},
		WithSecretCache(secrets),
		WithTrustGate(trust.NewGate(checker, zerolog.Nop())),
	)
}

var verified = &trust.Level{CrossSigningVerified: true}

func TestParseSecretName(t *testing.T) {
	tests := []struct {
		in   string
		want SecretName
	}{
		{"m.cross_signing.master", SecretCrossSigningMaster},
		{"m.cross_signing.self_signing", SecretCrossSigningSelfSigning},
		{"m.cross_signing.user_signing", SecretCrossSigningUserSigning},
		{"m.megolm_backup.v1", SecretMegolmBackup},
		{"m.something_else", SecretUnrecognized},
		{"", SecretUnrecognized},
	}
	for _, tt := range tests {
		got := ParseSecretName(tt.in)
		if got != tt.want {
			t.Errorf("ParseSecretName(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if tt.want != SecretUnrecognized && got.String() != tt.in {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), tt.in)
		}
	}
}

func TestHandleSecretRequestDispatch(t *testing.T) {
	secrets := &fakeSecrets{
		crossSigning: map[string][]byte{
			"master":       []byte("master-key"),
			"self_signing": []byte("self-key"),
			"user_signing": []byte("user-key"),
		},
		backup: []byte("backup-key"),
	}
	r := newSecretsResolver(secrets, nil)

	tests := []struct {
		name   string
		want   string
		lookup string
	}{
		{"m.cross_signing.master", "master-key", "master"},
		{"m.cross_signing.self_signing", "self-key", "self_signing"},
		{"m.cross_signing.user_signing", "user-key", "user_signing"},
		{"m.megolm_backup.v1", "backup-key", "backup"},
	}
	for _, tt := range tests {
		secrets.lookups = nil
		got := r.HandleSecretRequest(context.Background(), "@alice:example.org", "OTHER", "req1", tt.name, verified)
		if got != base64.StdEncoding.EncodeToString([]byte(tt.want)) {
			t.Errorf("%s: got %q", tt.name, got)
		}
		if len(secrets.lookups) != 1 || secrets.lookups[0] != tt.lookup {
			t.Errorf("%s: lookups %v, want [%s]", tt.name, secrets.lookups, tt.lookup)
		}
	}
}

func TestHandleSecretRequestUnverified(t *testing.T) {
	secrets := &fakeSecrets{crossSigning: map[string][]byte{"master": []byte("k")}}
	r := newSecretsResolver(secrets, staticChecker(true))

	got := r.HandleSecretRequest(context.Background(), "@alice:example.org", "OTHER", "req1",
		"m.cross_signing.master", &trust.Level{TOFU: true})
	if got != "" {
		t.Errorf("released %q to unverified device", got)
	}
	if len(secrets.lookups) != 0 {
		t.Errorf("cache consulted for unverified device: %v", secrets.lookups)
	}
}

func TestHandleSecretRequestOtherUser(t *testing.T) {
	secrets := &fakeSecrets{crossSigning: map[string][]byte{"master": []byte("k")}}
	r := newSecretsResolver(secrets, staticChecker(true))

	got := r.HandleSecretRequest(context.Background(), "@mallory:example.org", "EVIL", "req1",
		"m.cross_signing.master", verified)
	if got != "" || len(secrets.lookups) != 0 {
		t.Errorf("request from another user: got %q, lookups %v", got, secrets.lookups)
	}
}

func TestHandleSecretRequestGateChecker(t *testing.T) {
	secrets := &fakeSecrets{backup: []byte("backup")}

	r := newSecretsResolver(secrets, staticChecker(true))
	if got := r.HandleSecretRequest(context.Background(), "@alice:example.org", "D", "r", "m.megolm_backup.v1", nil); got == "" {
		t.Error("verified device per checker was refused")
	}

	secrets.lookups = nil
	r = newSecretsResolver(secrets, staticChecker(false))
	if got := r.HandleSecretRequest(context.Background(), "@alice:example.org", "D", "r", "m.megolm_backup.v1", nil); got != "" {
		t.Error("unverified device per checker got a secret")
	}
	if len(secrets.lookups) != 0 {
		t.Errorf("cache consulted: %v", secrets.lookups)
	}

	r = newSecretsResolver(secrets, nil)
	if got := r.HandleSecretRequest(context.Background(), "@alice:example.org", "D", "r", "m.megolm_backup.v1", nil); got != "" {
		t.Error("no checker and no level must deny")
	}
}

func TestHandleSecretRequestNothingReleased(t *testing.T) {
	ctx := context.Background()

	r := newSecretsResolver(&fakeSecrets{}, nil)
	if got := r.HandleSecretRequest(ctx, "@alice:example.org", "D", "r", "m.cross_signing.master", verified); got != "" {
		t.Errorf("uncached secret: got %q", got)
	}
	if got := r.HandleSecretRequest(ctx, "@alice:example.org", "D", "r", "m.unknown", verified); got != "" {
		t.Errorf("unrecognized secret: got %q", got)
	}

	r = newSecretsResolver(&fakeSecrets{err: errors.New("locked")}, nil)
	if got := r.HandleSecretRequest(ctx, "@alice:example.org", "D", "r", "m.megolm_backup.v1", verified); got != "" {
		t.Errorf("cache error: got %q", got)
	}

	r = NewResolver("@alice:example.org", &fakeServer{})
	if got := r.HandleSecretRequest(ctx, "@alice:example.org", "D", "r", "m.megolm_backup.v1", verified); got != "" {
		t.Errorf("no secret cache: got %q", got)
	}
}

func TestParseSecretRequest(t *testing.T) {
	req, err := ParseSecretRequest([]byte(`{
		"name": "m.megolm_backup.v1",
		"action": "request",
		"requesting_device_id": "DEVICE2",
		"request_id": "abc"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Name != "m.megolm_backup.v1" || req.RequestingDeviceID != "DEVICE2" || req.RequestID != "abc" {
		t.Errorf("unexpected request: %+v", req)
	}

	for _, bad := range []string{`not json`, `{"action":"request"}`, `{"request_id":"x"}`} {
		if _, err := ParseSecretRequest([]byte(bad)); err == nil {
			t.Errorf("ParseSecretRequest(%s): expected error", bad)
		}
	}
}

func TestNewSecretRequest(t *testing.T) {
	a := NewSecretRequest("DEV", "m.cross_signing.master")
	b := NewSecretRequest("DEV", "m.cross_signing.master")
	if a.Action != ActionRequest || a.RequestingDeviceID != "DEV" {
		t.Errorf("unexpected request: %+v", a)
	}
	if a.RequestID == "" || a.RequestID == b.RequestID {
		t.Errorf("request ids not unique: %q %q", a.RequestID, b.RequestID)
	}
}

func TestAnswerRequest(t *testing.T) {
	secrets := &fakeSecrets{backup: []byte("backup")}
	r := newSecretsResolver(secrets, nil)
	ctx := context.Background()

	req := &SecretRequest{Name: "m.megolm_backup.v1", Action: ActionRequest, RequestingDeviceID: "D2", RequestID: "r1"}
	send := r.AnswerRequest(ctx, "@alice:example.org", req, verified)
	if send == nil {
		t.Fatal("expected a reply")
	}
	if send.RequestID != "r1" || send.Secret != base64.StdEncoding.EncodeToString([]byte("backup")) {
		t.Errorf("unexpected reply: %+v", send)
	}

	cancel := &SecretRequest{Action: ActionCancellation, RequestingDeviceID: "D2", RequestID: "r1"}
	if send := r.AnswerRequest(ctx, "@alice:example.org", cancel, verified); send != nil {
		t.Errorf("cancellation answered: %+v", send)
	}

	if send := r.AnswerRequest(ctx, "@alice:example.org", req, &trust.Level{}); send != nil {
		t.Errorf("unverified request answered: %+v", send)
	}
}
