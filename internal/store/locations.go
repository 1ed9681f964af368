package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
)

const locationColumns = `id, code, name, path, depth, level_label, parent_id, locked_by_report, version, created_at, updated_at`

// CreateLocation inserts a location at the already derived path and depth.
func CreateLocation(ctx context.Context, c db.Conn, p model.LocationPayload, path string, depth int) (*model.Location, error) {
	now := time.Now().UTC()
	var id int64
	err := c.QueryRowContext(ctx,
		`INSERT INTO locations (code, name, path, depth, level_label, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Code, p.Name, path, depth, p.LevelLabel, p.ParentID, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating location: %w", err)
	}
	return GetLocation(ctx, c, id)
}

// GetLocation returns a location by ID.
func GetLocation(ctx context.Context, c db.Conn, id int64) (*model.Location, error) {
	return getLocation(ctx, c, `SELECT `+locationColumns+` FROM locations WHERE id = ?`, id)
}

// GetLocationByPath returns the location at path.
func GetLocationByPath(ctx context.Context, c db.Conn, path string) (*model.Location, error) {
	return getLocation(ctx, c, `SELECT `+locationColumns+` FROM locations WHERE path = ?`, path)
}

func getLocation(ctx context.Context, c db.Conn, query string, arg any) (*model.Location, error) {
	loc := &model.Location{}
	err := c.QueryRowContext(ctx, query, arg).Scan(
		&loc.ID, &loc.Code, &loc.Name, &loc.Path, &loc.Depth, &loc.LevelLabel,
		&loc.ParentID, &loc.LockedByReport, &loc.Version, &loc.CreatedAt, &loc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting location: %w", err)
	}
	return loc, nil
}

// ListLocations returns every location ordered by path.
func ListLocations(ctx context.Context, c db.Conn) ([]model.Location, error) {
	rows, err := c.QueryContext(ctx, `SELECT `+locationColumns+` FROM locations ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}
	defer rows.Close()
	return scanLocations(rows)
}

// ListDescendants returns the strict descendants of path ordered by path.
func ListDescendants(ctx context.Context, c db.Conn, path string) ([]model.Location, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		pathtree.LikePattern(path),
	)
	if err != nil {
		return nil, fmt.Errorf("listing descendants: %w", err)
	}
	defer rows.Close()
	return scanLocations(rows)
}

func scanLocations(rows *sql.Rows) ([]model.Location, error) {
	var locs []model.Location
	for rows.Next() {
		var loc model.Location
		if err := rows.Scan(&loc.ID, &loc.Code, &loc.Name, &loc.Path, &loc.Depth, &loc.LevelLabel,
			&loc.ParentID, &loc.LockedByReport, &loc.Version, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning location: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// SubtreeHeight returns how many levels exist below the location at path.
func SubtreeHeight(ctx context.Context, c db.Conn, path string, depth int) (int, error) {
	var deepest sql.NullInt64
	err := c.QueryRowContext(ctx,
		`SELECT MAX(depth) FROM locations WHERE path LIKE ? ESCAPE '\'`,
		pathtree.LikePattern(path),
	).Scan(&deepest)
	if err != nil {
		return 0, fmt.Errorf("measuring subtree: %w", err)
	}
	if !deepest.Valid {
		return 0, nil
	}
	return int(deepest.Int64) - depth, nil
}

// UpdateLocation writes p to the location if its version is still
// baseVersion, bumping the version.
func UpdateLocation(ctx context.Context, c db.Conn, id, baseVersion int64, p model.LocationPayload, path string, depth int) error {
	result, err := c.ExecContext(ctx,
		`UPDATE locations SET code = ?, name = ?, level_label = ?, parent_id = ?, path = ?, depth = ?,
		        version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.Code, p.Name, p.LevelLabel, p.ParentID, path, depth, time.Now().UTC(), id, baseVersion,
	)
	if err != nil {
		return fmt.Errorf("updating location: %w", err)
	}
	n, _ := result.RowsAffected()
	return expectOne(n)
}

// RebaseDescendants rewrites the paths of every descendant of oldPath to sit
// under newPath and returns the rewritten rows.
func RebaseDescendants(ctx context.Context, c db.Conn, oldPath, newPath string) ([]model.Location, error) {
	descendants, err := ListDescendants(ctx, c, oldPath)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	shift := pathtree.Depth(newPath) - pathtree.Depth(oldPath)
	for i := range descendants {
		d := &descendants[i]
		rebased, ok := pathtree.Rebase(d.Path, oldPath, newPath)
		if !ok {
			return nil, fmt.Errorf("rebasing %s: not under %s", d.Path, oldPath)
		}
		if _, err := c.ExecContext(ctx,
			`UPDATE locations SET path = ?, depth = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			rebased, d.Depth+shift, now, d.ID,
		); err != nil {
			return nil, fmt.Errorf("rebasing location %d: %w", d.ID, err)
		}
		d.Path = rebased
		d.Depth += shift
		d.Version++
		d.UpdatedAt = now
	}
	return descendants, nil
}

// SetLocationLock records which report (nil for none) holds the lock on a
// location and bumps its version so devices learn about it. Claiming a
// location held by a different report returns ErrLocationLocked.
func SetLocationLock(ctx context.Context, c db.Conn, id int64, reportID *int64) error {
	now := time.Now().UTC()
	if reportID == nil {
		if _, err := c.ExecContext(ctx,
			`UPDATE locations SET locked_by_report = NULL, version = version + 1, updated_at = ? WHERE id = ?`,
			now, id); err != nil {
			return fmt.Errorf("releasing location lock: %w", err)
		}
		return nil
	}

	result, err := c.ExecContext(ctx,
		`UPDATE locations SET locked_by_report = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND (locked_by_report IS NULL OR locked_by_report = ?)`,
		*reportID, now, id, *reportID,
	)
	if err != nil {
		return fmt.Errorf("setting location lock: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrLocationLocked
	}
	return nil
}

// LockLocationChain takes row locks on the location at path and on every
// ancestor, in id order, until the transaction ends. Two transactions
// claiming overlapping areas share at least one of these rows, so their lock
// checks run one after the other. SQLite transactions already do.
func LockLocationChain(ctx context.Context, c db.Conn, path string) error {
	if c.Driver() != db.DriverPostgres {
		return nil
	}
	paths := append(pathtree.Ancestors(path), path)
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	rows, err := c.QueryContext(ctx,
		`SELECT id FROM locations WHERE path IN (`+placeholders(len(paths))+`) ORDER BY id FOR UPDATE`, args...)
	if err != nil {
		return fmt.Errorf("locking locations above %s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// LocationTree loads every location as pathtree nodes together with the stored
// paths and depths, for structural checks.
func LocationTree(ctx context.Context, c db.Conn) ([]pathtree.Node, map[int64]string, map[int64]int, error) {
	locs, err := ListLocations(ctx, c)
	if err != nil {
		return nil, nil, nil, err
	}
	nodes := make([]pathtree.Node, 0, len(locs))
	paths := make(map[int64]string, len(locs))
	depths := make(map[int64]int, len(locs))
	for _, l := range locs {
		nodes = append(nodes, pathtree.Node{ID: l.ID, ParentID: l.ParentID, Code: l.Code})
		paths[l.ID] = l.Path
		depths[l.ID] = l.Depth
	}
	return nodes, paths, depths, nil
}
