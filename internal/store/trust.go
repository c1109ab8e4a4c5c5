package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceTrust is the locally recorded trust state of a device.
type DeviceTrust struct {
	Known     bool
	Verified  bool
	UpdatedAt time.Time
}

// SetDeviceTrust records the trust state of (userID, deviceID).
func (s *Store) SetDeviceTrust(ctx context.Context, userID, deviceID string, known, verified bool) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT OR REPLACE INTO device_trust (user_id, device_id, known, verified, updated_at) VALUES (?, ?, ?, ?, ?)",
		userID, deviceID, boolInt(known), boolInt(verified), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: set device trust: %w", err)
	}
	return nil
}

// GetDeviceTrust returns the recorded trust state of (userID, deviceID).
// Returns nil, nil if the device is unknown.
func (s *Store) GetDeviceTrust(ctx context.Context, userID, deviceID string) (*DeviceTrust, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var known, verified, updated int64
	err = db.QueryRowContext(ctx,
		"SELECT known, verified, updated_at FROM device_trust WHERE user_id = ? AND device_id = ?",
		userID, deviceID,
	).Scan(&known, &verified, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get device trust: %w", err)
	}
	return &DeviceTrust{
		Known:     known != 0,
		Verified:  verified != 0,
		UpdatedAt: time.Unix(updated, 0),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
