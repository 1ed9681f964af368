package client

import (
	"context"
	"fmt"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// Cursors returns the pull watermark of every entity type. Types never
// pulled are at zero.
func Cursors(ctx context.Context, c db.Conn) (map[model.EntityType]int64, error) {
	out := make(map[model.EntityType]int64, len(model.EntityTypes))
	for _, et := range model.EntityTypes {
		out[et] = 0
	}

	rows, err := c.QueryContext(ctx, `SELECT entity_type, value FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("reading cursors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et model.EntityType
		var v int64
		if err := rows.Scan(&et, &v); err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		out[et] = v
	}
	return out, rows.Err()
}

// SetCursor stores the watermark of one entity type.
func SetCursor(ctx context.Context, c db.Conn, et model.EntityType, v int64) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO cursors (entity_type, value) VALUES (?, ?)
		 ON CONFLICT (entity_type) DO UPDATE SET value = excluded.value`, et, v)
	if err != nil {
		return fmt.Errorf("storing %s cursor: %w", et, err)
	}
	return nil
}
