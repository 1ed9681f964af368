package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// MapID remembers that a device's temporary ID became permID.
func MapID(ctx context.Context, c db.Conn, deviceID string, et model.EntityType, tempID, permID int64) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO id_mappings (device_id, entity_type, temp_id, perm_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id, entity_type, temp_id) DO NOTHING`,
		deviceID, et, tempID, permID,
	)
	if err != nil {
		return fmt.Errorf("mapping temporary id: %w", err)
	}
	return nil
}

// ResolveID returns the server ID for a device's temporary ID.
func ResolveID(ctx context.Context, c db.Conn, deviceID string, et model.EntityType, tempID int64) (int64, bool, error) {
	var permID int64
	err := c.QueryRowContext(ctx,
		`SELECT perm_id FROM id_mappings WHERE device_id = ? AND entity_type = ? AND temp_id = ?`,
		deviceID, et, tempID,
	).Scan(&permID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolving temporary id: %w", err)
	}
	return permID, true, nil
}
