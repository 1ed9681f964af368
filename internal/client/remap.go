package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// reference is a payload field holding the id of another entity.
type reference struct {
	field  string
	target model.EntityType
}

// references lists, per entity type, the payload fields that point at other
// entities. Mutation payloads and cached server payloads use the same names.
var references = map[model.EntityType][]reference{
	model.EntityLocation: {{"parent_id", model.EntityLocation}},
	model.EntityItem:     {{"location_id", model.EntityLocation}},
	model.EntityQRCode:   {{"inventory_item_id", model.EntityItem}},
	model.EntityReport:   {{"location_id", model.EntityLocation}},
	model.EntityFinding: {
		{"report_id", model.EntityReport},
		{"item_id", model.EntityItem},
	},
}

// rewriteRefs replaces every reference to tempID of type target in payload.
// It reports whether anything changed.
func rewriteRefs(payload []byte, et, target model.EntityType, tempID, permID int64) ([]byte, bool, error) {
	changed := false
	for _, ref := range references[et] {
		if ref.target != target {
			continue
		}
		v := gjson.GetBytes(payload, ref.field)
		if !v.Exists() || v.Int() != tempID {
			continue
		}
		out, err := sjson.SetBytes(payload, ref.field, permID)
		if err != nil {
			return nil, false, fmt.Errorf("rewriting %s.%s: %w", et, ref.field, err)
		}
		payload, changed = out, true
	}
	return payload, changed, nil
}

// remap relabels a locally created entity with the id the server assigned:
// its cache row, the mutations against it and every payload that refers to
// it. Callers run it inside the transaction that acknowledges the creation.
func remap(ctx context.Context, c db.Conn, et model.EntityType, tempID, permID int64) error {
	// A pull may already have delivered the server copy.
	if err := deleteCached(ctx, c, et, permID); err != nil {
		return err
	}
	if _, err := c.ExecContext(ctx,
		`UPDATE cache SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
		permID, et, tempID); err != nil {
		return fmt.Errorf("remapping cached %s %d: %w", et, tempID, err)
	}
	if _, err := c.ExecContext(ctx,
		`UPDATE mutations SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
		permID, et, tempID); err != nil {
		return fmt.Errorf("remapping mutations on %s %d: %w", et, tempID, err)
	}

	for src, refs := range references {
		for _, ref := range refs {
			if ref.target != et {
				continue
			}
			if err := remapPayloads(ctx, c, "mutations", "seq", src, et, tempID, permID); err != nil {
				return err
			}
			if err := remapPayloads(ctx, c, "cache", "entity_id", src, et, tempID, permID); err != nil {
				return err
			}
			break
		}
	}

	_, err := c.ExecContext(ctx,
		`INSERT INTO id_remap (entity_type, temp_id, perm_id) VALUES (?, ?, ?)
		 ON CONFLICT (entity_type, temp_id) DO UPDATE SET perm_id = excluded.perm_id`,
		et, tempID, permID)
	if err != nil {
		return fmt.Errorf("recording remap of %s %d: %w", et, tempID, err)
	}
	return nil
}

// remapPayloads rewrites references in the payload column of table for rows
// of entity type src. key names the column identifying a row within src.
func remapPayloads(ctx context.Context, c db.Conn, table, key string, src, target model.EntityType, tempID, permID int64) error {
	rows, err := c.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, payload FROM %s WHERE entity_type = ?`, key, table), src)
	if err != nil {
		return fmt.Errorf("scanning %s payloads: %w", table, err)
	}
	type update struct {
		id      int64
		payload []byte
	}
	var updates []update
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("scanning %s payload: %w", table, err)
		}
		out, changed, err := rewriteRefs([]byte(payload), src, target, tempID, permID)
		if err != nil {
			rows.Close()
			return err
		}
		if changed {
			updates = append(updates, update{id, out})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		q := fmt.Sprintf(`UPDATE %s SET payload = ? WHERE entity_type = ? AND %s = ?`, table, key)
		if _, err := c.ExecContext(ctx, q, string(u.payload), src, u.id); err != nil {
			return fmt.Errorf("updating %s payload: %w", table, err)
		}
	}
	return nil
}

// ResolveTemporary returns the server id a temporary id was relabelled to.
func ResolveTemporary(ctx context.Context, c db.Conn, et model.EntityType, tempID int64) (int64, bool, error) {
	var id int64
	err := c.QueryRowContext(ctx,
		`SELECT perm_id FROM id_remap WHERE entity_type = ? AND temp_id = ?`, et, tempID).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("resolving %s %d: %w", et, tempID, err)
	}
	return id, true, nil
}

// hasAttachments reports whether a payload references uploaded photos.
func hasAttachments(payload json.RawMessage) bool {
	return gjson.GetBytes(payload, "photo_handles.#").Int() > 0
}
