package store

import (
	"context"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
)

// RevokeToken blocks a single device token until it would have expired.
func RevokeToken(ctx context.Context, c db.Conn, jti, deviceID string, expiresAt time.Time) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, device_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (jti) DO NOTHING`,
		jti, deviceID, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	// Expired tokens fail validation anyway.
	_, _ = c.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < ?`, time.Now().UTC(),
	)

	return nil
}

// RevokeDevice blocks every token issued to a device up to at, for a lost or
// retired tablet. Tokens issued later are accepted again.
func RevokeDevice(ctx context.Context, c db.Conn, deviceID string, at time.Time) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO revoked_devices (device_id, revoked_at) VALUES (?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET revoked_at = excluded.revoked_at`,
		deviceID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoking device %s: %w", deviceID, err)
	}
	return nil
}

// TokenRevoked reports whether a token was revoked by its JTI or through its
// device.
func TokenRevoked(ctx context.Context, c db.Conn, jti, deviceID string, issuedAt time.Time) (bool, error) {
	var revoked bool
	err := c.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = ?)
		     OR EXISTS (SELECT 1 FROM revoked_devices WHERE device_id = ? AND revoked_at >= ?)`,
		jti, deviceID, issuedAt.UTC(),
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("checking token revocation: %w", err)
	}
	return revoked, nil
}
