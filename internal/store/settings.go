package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/erazemk/popis/internal/db"
)

const jwtSecretKey = "jwt_secret"

// GetSetting returns a stored setting, or "" when it was never set.
func GetSetting(ctx context.Context, c db.Conn, key string) (string, error) {
	var v string
	err := c.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return v, nil
}

// EnsureSetting stores candidate under key unless a value is already there,
// and returns whichever value won. Concurrent callers all see the same value.
func EnsureSetting(ctx context.Context, c db.Conn, key, candidate string) (string, error) {
	if _, err := c.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
		key, candidate,
	); err != nil {
		return "", fmt.Errorf("storing setting %s: %w", key, err)
	}
	return GetSetting(ctx, c, key)
}

// GetJWTSecret returns the device token signing secret, generating and
// persisting a random one on first use.
func GetJWTSecret(ctx context.Context, c db.Conn) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return EnsureSetting(ctx, c, jwtSecretKey, hex.EncodeToString(buf))
}
