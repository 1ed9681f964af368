package store

import (
	"context"
	"fmt"

	"github.com/erazemk/popis/internal/db"
)

// SetAuditorLocations replaces the set of location roots an auditor may see.
func SetAuditorLocations(ctx context.Context, c db.Conn, auditorID int64, locationIDs []int64) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM auditor_locations WHERE auditor_id = ?`, auditorID); err != nil {
		return fmt.Errorf("clearing auditor locations: %w", err)
	}
	for _, id := range locationIDs {
		if _, err := c.ExecContext(ctx,
			`INSERT INTO auditor_locations (auditor_id, location_id) VALUES (?, ?)
			 ON CONFLICT (auditor_id, location_id) DO NOTHING`,
			auditorID, id,
		); err != nil {
			return fmt.Errorf("assigning location %d: %w", id, err)
		}
	}
	return nil
}

// AuditorScopePaths returns the paths of the location roots assigned to an
// auditor. The result is never nil.
func AuditorScopePaths(ctx context.Context, c db.Conn, auditorID int64) ([]string, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT l.path FROM auditor_locations a JOIN locations l ON l.id = a.location_id
		 WHERE a.auditor_id = ? ORDER BY l.path`, auditorID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing auditor scope: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning scope path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// AuditorScopeIDs returns the ids of the location roots assigned to an
// auditor. The result is never nil.
func AuditorScopeIDs(ctx context.Context, c db.Conn, auditorID int64) ([]int64, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT location_id FROM auditor_locations WHERE auditor_id = ? ORDER BY location_id`, auditorID)
	if err != nil {
		return nil, fmt.Errorf("listing auditor scope: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning scope location: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LocationPaths returns the current paths of the given locations, sorted.
// Ids that no longer exist are skipped.
func LocationPaths(ctx context.Context, c db.Conn, ids []int64) ([]string, error) {
	paths := []string{}
	if len(ids) == 0 {
		return paths, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := c.QueryContext(ctx,
		`SELECT path FROM locations WHERE id IN (`+placeholders(len(ids))+`) ORDER BY path`, args...)
	if err != nil {
		return nil, fmt.Errorf("resolving location paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning location path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
