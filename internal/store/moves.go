package store

import (
	"context"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// RecordItemMove appends an entry to an item's location history.
func RecordItemMove(ctx context.Context, c db.Conn, itemID, fromLocationID, toLocationID int64, deviceID string) error {
	if fromLocationID == toLocationID {
		return nil
	}
	_, err := c.ExecContext(ctx,
		`INSERT INTO item_moves (item_id, from_location_id, to_location_id, device_id, moved_at)
		 VALUES (?, ?, ?, ?, ?)`,
		itemID, fromLocationID, toLocationID, deviceID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording item move: %w", err)
	}
	return nil
}

// ListItemMoves returns the location history of an item, newest first.
func ListItemMoves(ctx context.Context, c db.Conn, itemID int64) ([]model.ItemMove, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT m.id, m.item_id, m.from_location_id, m.to_location_id, m.device_id, m.moved_at,
		        fl.path AS from_path, tl.path AS to_path
		 FROM item_moves m
		 JOIN locations fl ON fl.id = m.from_location_id
		 JOIN locations tl ON tl.id = m.to_location_id
		 WHERE m.item_id = ?
		 ORDER BY m.id DESC`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing item moves: %w", err)
	}
	defer rows.Close()

	var moves []model.ItemMove
	for rows.Next() {
		var m model.ItemMove
		if err := rows.Scan(&m.ID, &m.ItemID, &m.FromLocationID, &m.ToLocationID, &m.DeviceID, &m.MovedAt,
			&m.FromPath, &m.ToPath); err != nil {
			return nil, fmt.Errorf("scanning item move: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}
