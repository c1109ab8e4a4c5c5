// Package trust decides whether a device is trusted enough to receive
// secrets.
package trust

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys/internal/store"
)

// Level describes how a device came to be trusted.
type Level struct {
	CrossSigningVerified bool
	LocallyVerified      bool
	TOFU                 bool
}

// IsVerified reports whether the device is verified. Trust on first use
// alone does not count.
func (l Level) IsVerified() bool {
	return l.CrossSigningVerified || l.LocallyVerified
}

// Checker reports whether (userID, deviceID) is verified.
type Checker interface {
	IsDeviceVerified(ctx context.Context, userID, deviceID string) (bool, error)
}

// Gate is the verified-device predicate consulted before releasing secrets.
type Gate struct {
	checker Checker
	logger  zerolog.Logger
}

// NewGate returns a Gate. checker may be nil, in which case only explicit
// trust levels can allow a device.
func NewGate(checker Checker, logger zerolog.Logger) *Gate {
	return &Gate{checker: checker, logger: logger}
}

// Allow reports whether (userID, deviceID) may receive secrets. An explicit
// level decides on its own; otherwise the checker is asked. Errors deny.
func (g *Gate) Allow(ctx context.Context, userID, deviceID string, level *Level) bool {
	if level != nil {
		return level.IsVerified()
	}
	if g == nil || g.checker == nil {
		return false
	}
	ok, err := g.checker.IsDeviceVerified(ctx, userID, deviceID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Str("device_id", deviceID).Msg("Trust lookup failed")
		return false
	}
	return ok
}

// StoreChecker answers from the locally recorded device trust table.
type StoreChecker struct {
	Store *store.Store
}

// IsDeviceVerified implements Checker.
func (c StoreChecker) IsDeviceVerified(ctx context.Context, userID, deviceID string) (bool, error) {
	t, err := c.Store.GetDeviceTrust(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	return t != nil && t.Verified, nil
}

// Verify marks (userID, deviceID) as known and verified.
func (c StoreChecker) Verify(ctx context.Context, userID, deviceID string) error {
	return c.Store.SetDeviceTrust(ctx, userID, deviceID, true, true)
}
