// Package mxapi is a minimal Matrix client-server API client covering the
// endpoints needed for secret storage and secret sharing.
package mxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys/internal/ssss"
)

const (
	// EventDefaultKey is the account data type naming the default secret
	// storage key.
	EventDefaultKey = "m.secret_storage.default_key"
	// EventKeyPrefix prefixes the account data type of each key's info.
	EventKeyPrefix = "m.secret_storage.key."

	EventSecretRequest = "m.secret.request"
)

// Error is a Matrix standard error response.
type Error struct {
	StatusCode int    `json:"-"`
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("mxapi: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mxapi: status %d: %s: %s", e.StatusCode, e.ErrCode, e.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var mxErr *Error
	return errors.As(err, &mxErr) && mxErr.StatusCode == http.StatusNotFound
}

// Client talks to one homeserver as one user.
type Client struct {
	baseURL     string
	userID      string
	accessToken string
	httpClient  *http.Client
	logger      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the homeserver at baseURL, authenticated
// with accessToken.
func NewClient(baseURL, userID, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		userID:      userID,
		accessToken: accessToken,
		httpClient:  &http.Client{},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("mxapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("mxapi: new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("Request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mxapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mxapi: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		mxErr := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, mxErr)
		return mxErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("mxapi: unmarshal response: %w", err)
		}
	}
	return nil
}

// AccountData fetches the user's global account data of type eventType into
// out. It returns false, nil if the type is unset.
func (c *Client) AccountData(ctx context.Context, eventType string, out any) (bool, error) {
	path := "/_matrix/client/v3/user/" + url.PathEscape(c.userID) + "/account_data/" + url.PathEscape(eventType)
	err := c.do(ctx, http.MethodGet, path, nil, out)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetAccountData stores content as the user's global account data of type
// eventType.
func (c *Client) SetAccountData(ctx context.Context, eventType string, content any) error {
	path := "/_matrix/client/v3/user/" + url.PathEscape(c.userID) + "/account_data/" + url.PathEscape(eventType)
	return c.do(ctx, http.MethodPut, path, content, nil)
}

// DefaultKeyID implements ssss.KeyServer.
func (c *Client) DefaultKeyID(ctx context.Context) (string, error) {
	var content struct {
		Key string `json:"key"`
	}
	if _, err := c.AccountData(ctx, EventDefaultKey, &content); err != nil {
		return "", fmt.Errorf("mxapi: default key: %w", err)
	}
	return content.Key, nil
}

// KeyInfo implements ssss.KeyServer. Returns nil, nil if the key is unknown.
func (c *Client) KeyInfo(ctx context.Context, keyID string) (*ssss.KeyInfo, error) {
	var info ssss.KeyInfo
	ok, err := c.AccountData(ctx, EventKeyPrefix+keyID, &info)
	if err != nil {
		return nil, fmt.Errorf("mxapi: key info %s: %w", keyID, err)
	}
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// CheckKey implements ssss.KeyServer using the key's published check data.
func (c *Client) CheckKey(_ context.Context, key []byte, info *ssss.KeyInfo) (bool, error) {
	if info == nil {
		return false, nil
	}
	if info.Algorithm != ssss.AlgorithmAESHMACSHA2 {
		return false, fmt.Errorf("mxapi: unsupported key algorithm %q", info.Algorithm)
	}
	return ssss.CheckKey(key, info)
}

// Candidates fetches the key infos for keyIDs, skipping unknown keys.
func (c *Client) Candidates(ctx context.Context, keyIDs ...string) (map[string]*ssss.KeyInfo, error) {
	out := make(map[string]*ssss.KeyInfo, len(keyIDs))
	for _, id := range keyIDs {
		info, err := c.KeyInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		if info != nil {
			out[id] = info
		}
	}
	return out, nil
}

type sendToDeviceRequest struct {
	Messages map[string]map[string]any `json:"messages"`
}

// SendToDevice sends content to each of the user's deviceIDs ("*" for all).
func (c *Client) SendToDevice(ctx context.Context, eventType string, deviceIDs []string, content any) error {
	devices := make(map[string]any, len(deviceIDs))
	for _, d := range deviceIDs {
		devices[d] = content
	}
	req := sendToDeviceRequest{Messages: map[string]map[string]any{c.userID: devices}}
	path := "/_matrix/client/v3/sendToDevice/" + url.PathEscape(eventType) + "/" + uuid.NewString()
	return c.do(ctx, http.MethodPut, path, req, nil)
}

// RequestSecret asks all of the user's other devices for the secret name on
// behalf of deviceID and returns the request that was sent.
func (c *Client) RequestSecret(ctx context.Context, deviceID, name string) (*ssss.SecretRequest, error) {
	req := ssss.NewSecretRequest(deviceID, name)
	if err := c.SendToDevice(ctx, EventSecretRequest, []string{"*"}, req); err != nil {
		return nil, fmt.Errorf("mxapi: request secret: %w", err)
	}
	c.logger.Info().Str("secret", name).Str("request_id", req.RequestID).Msg("Requested secret")
	return req, nil
}

// CancelSecretRequest withdraws an earlier request.
func (c *Client) CancelSecretRequest(ctx context.Context, req *ssss.SecretRequest) error {
	cancel := &ssss.SecretRequest{
		Action:             ssss.ActionCancellation,
		RequestingDeviceID: req.RequestingDeviceID,
		RequestID:          req.RequestID,
	}
	if err := c.SendToDevice(ctx, EventSecretRequest, []string{"*"}, cancel); err != nil {
		return fmt.Errorf("mxapi: cancel secret request: %w", err)
	}
	return nil
}
