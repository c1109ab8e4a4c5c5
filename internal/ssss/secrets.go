package ssss

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gwillem/mxkeys/internal/keyderive"
	"github.com/gwillem/mxkeys/internal/trust"
)

// SecretName identifies a secret that may be shared with the user's other
// devices.
type SecretName int

const (
	SecretUnrecognized SecretName = iota
	SecretCrossSigningMaster
	SecretCrossSigningSelfSigning
	SecretCrossSigningUserSigning
	SecretMegolmBackup
)

var secretNames = map[string]SecretName{
	"m.cross_signing.master":       SecretCrossSigningMaster,
	"m.cross_signing.self_signing": SecretCrossSigningSelfSigning,
	"m.cross_signing.user_signing": SecretCrossSigningUserSigning,
	"m.megolm_backup.v1":           SecretMegolmBackup,
}

// ParseSecretName maps a wire name to a SecretName. Unknown names map to
// SecretUnrecognized.
func ParseSecretName(s string) SecretName {
	return secretNames[s]
}

func (n SecretName) String() string {
	for s, v := range secretNames {
		if v == n {
			return s
		}
	}
	return "unrecognized"
}

type secretFetcher func(ctx context.Context, c SecretCache) ([]byte, error)

func crossSigning(keyType string) secretFetcher {
	return func(ctx context.Context, c SecretCache) ([]byte, error) {
		return c.CrossSigningKey(ctx, keyType)
	}
}

var secretFetchers = map[SecretName]secretFetcher{
	SecretCrossSigningMaster:      crossSigning("master"),
	SecretCrossSigningSelfSigning: crossSigning("self_signing"),
	SecretCrossSigningUserSigning: crossSigning("user_signing"),
	SecretMegolmBackup: func(ctx context.Context, c SecretCache) ([]byte, error) {
		return c.SessionBackupKey(ctx)
	},
}

// HandleSecretRequest returns the base64 encoded secret to send to
// (userID, deviceID), or "" if nothing may be released. Requests from other
// users and from unverified devices are refused before any key lookup.
// level overrides the trust gate's own lookup when non-nil.
func (r *Resolver) HandleSecretRequest(ctx context.Context, userID, deviceID, requestID, name string, level *trust.Level) string {
	log := r.logger.With().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Str("request_id", requestID).
		Str("secret", name).
		Logger()

	if userID != r.userID {
		log.Warn().Msg("Ignoring secret request from another user")
		return ""
	}
	if !r.gate.Allow(ctx, userID, deviceID, level) {
		log.Warn().Msg("Ignoring secret request from unverified device")
		return ""
	}

	fetch, ok := secretFetchers[ParseSecretName(name)]
	if !ok {
		log.Debug().Msg("Unrecognized secret requested")
		return ""
	}
	if r.secrets == nil {
		log.Warn().Msg("No secret cache configured")
		return ""
	}
	key, err := fetch(ctx, r.secrets)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cached secret")
		return ""
	}
	if len(key) == 0 {
		log.Info().Msg("Requested secret is not cached")
		return ""
	}
	defer keyderive.Zero(key)

	log.Info().Msg("Sharing secret")
	return base64.StdEncoding.EncodeToString(key)
}

// Secret request actions.
const (
	ActionRequest      = "request"
	ActionCancellation = "request_cancellation"
)

// SecretRequest is the content of an m.secret.request to-device event.
type SecretRequest struct {
	Name               string `json:"name,omitempty"`
	Action             string `json:"action"`
	RequestingDeviceID string `json:"requesting_device_id"`
	RequestID          string `json:"request_id"`
}

// SecretSend is the content of an m.secret.send to-device event.
type SecretSend struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

// NewSecretRequest returns a request for name from deviceID with a fresh
// request ID.
func NewSecretRequest(deviceID, name string) *SecretRequest {
	return &SecretRequest{
		Name:               name,
		Action:             ActionRequest,
		RequestingDeviceID: deviceID,
		RequestID:          uuid.NewString(),
	}
}

// ParseSecretRequest decodes m.secret.request event content.
func ParseSecretRequest(content []byte) (*SecretRequest, error) {
	var req SecretRequest
	if err := json.Unmarshal(content, &req); err != nil {
		return nil, fmt.Errorf("ssss: parse secret request: %w", err)
	}
	if req.RequestID == "" || req.RequestingDeviceID == "" {
		return nil, fmt.Errorf("ssss: parse secret request: missing request_id or requesting_device_id")
	}
	return &req, nil
}

// AnswerRequest builds the reply to req sent by userID. It returns nil when
// req is a cancellation or nothing may be released.
func (r *Resolver) AnswerRequest(ctx context.Context, userID string, req *SecretRequest, level *trust.Level) *SecretSend {
	if req.Action != ActionRequest {
		return nil
	}
	secret := r.HandleSecretRequest(ctx, userID, req.RequestingDeviceID, req.RequestID, req.Name, level)
	if secret == "" {
		return nil
	}
	return &SecretSend{RequestID: req.RequestID, Secret: secret}
}
