package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// Cached is the device's copy of one server entity. Version and Payload
// include local edits; ServerVersion and ServerPayload are the last state the
// server confirmed (ServerPayload is nil for an entity the server has never
// accepted).
type Cached struct {
	EntityType     model.EntityType
	EntityID       int64
	Version        int64
	Payload        json.RawMessage
	ServerVersion  int64
	ServerPayload  json.RawMessage
	LocallyCreated bool
	NeedsSync      bool
}

// confirmed is a cache row holding server state and no local edits.
func confirmed(et model.EntityType, id, version int64, payload json.RawMessage) Cached {
	return Cached{EntityType: et, EntityID: id, Version: version, Payload: payload,
		ServerVersion: version, ServerPayload: payload}
}

const cachedColumns = `entity_type, entity_id, version, payload, server_version, server_payload, locally_created, needs_sync`

func scanCached(row interface{ Scan(...any) error }) (*Cached, error) {
	var e Cached
	var payload string
	var server sql.NullString
	if err := row.Scan(&e.EntityType, &e.EntityID, &e.Version, &payload,
		&e.ServerVersion, &server, &e.LocallyCreated, &e.NeedsSync); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	if server.Valid {
		e.ServerPayload = json.RawMessage(server.String)
	}
	return &e, nil
}

// GetCached returns one cached entity, or nil when the device does not hold it.
func GetCached(ctx context.Context, c db.Conn, et model.EntityType, id int64) (*Cached, error) {
	e, err := scanCached(c.QueryRowContext(ctx,
		`SELECT `+cachedColumns+` FROM cache WHERE entity_type = ? AND entity_id = ?`, et, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cached %s %d: %w", et, id, err)
	}
	return e, nil
}

// ListCached returns every cached entity of one type ordered by id. Locally
// created entities (negative ids) come first.
func ListCached(ctx context.Context, c db.Conn, et model.EntityType) ([]Cached, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT `+cachedColumns+` FROM cache WHERE entity_type = ? ORDER BY entity_id`, et)
	if err != nil {
		return nil, fmt.Errorf("listing cached %s: %w", et, err)
	}
	defer rows.Close()

	var out []Cached
	for rows.Next() {
		e, err := scanCached(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cached %s: %w", et, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func putCached(ctx context.Context, c db.Conn, e Cached) error {
	var server sql.NullString
	if e.ServerPayload != nil {
		server = sql.NullString{String: string(e.ServerPayload), Valid: true}
	}
	_, err := c.ExecContext(ctx,
		`INSERT INTO cache (`+cachedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		     version = excluded.version,
		     payload = excluded.payload,
		     server_version = excluded.server_version,
		     server_payload = excluded.server_payload,
		     locally_created = excluded.locally_created,
		     needs_sync = excluded.needs_sync`,
		e.EntityType, e.EntityID, e.Version, string(e.Payload), e.ServerVersion, server, e.LocallyCreated, e.NeedsSync)
	if err != nil {
		return fmt.Errorf("caching %s %d: %w", e.EntityType, e.EntityID, err)
	}
	return nil
}

func deleteCached(ctx context.Context, c db.Conn, et model.EntityType, id int64) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM cache WHERE entity_type = ? AND entity_id = ?`, et, id); err != nil {
		return fmt.Errorf("uncaching %s %d: %w", et, id, err)
	}
	return nil
}

// refreshNeedsSync recomputes the needs_sync flag of a cached entity from the
// mutations still pending against it.
func refreshNeedsSync(ctx context.Context, c db.Conn, et model.EntityType, id int64) error {
	_, err := c.ExecContext(ctx,
		`UPDATE cache SET needs_sync = EXISTS (
		     SELECT 1 FROM mutations
		     WHERE entity_type = ? AND entity_id = ? AND state = 'pending'
		 ) WHERE entity_type = ? AND entity_id = ?`,
		et, id, et, id)
	if err != nil {
		return fmt.Errorf("flagging %s %d: %w", et, id, err)
	}
	return nil
}

// revert drops local edits of an entity nothing is pending against any more,
// restoring the last state the server confirmed.
func revert(ctx context.Context, c db.Conn, et model.EntityType, id int64) error {
	if err := refreshNeedsSync(ctx, c, et, id); err != nil {
		return err
	}
	cached, err := GetCached(ctx, c, et, id)
	if err != nil || cached == nil {
		return err
	}
	if cached.NeedsSync || cached.ServerPayload == nil {
		return nil
	}
	cached.Version, cached.Payload = cached.ServerVersion, cached.ServerPayload
	return putCached(ctx, c, *cached)
}
