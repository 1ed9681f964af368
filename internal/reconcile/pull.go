package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

// Pull returns, per entity type, the latest state of every entity changed
// after the device's cursor and visible in its scope. All types are read from
// one snapshot whose sequence number bounds every page, so a change committed
// during the pull lands entirely in the next one.
func (e *Engine) Pull(ctx context.Context, p Principal, req model.PullRequest) (*model.PullResponse, error) {
	roots, err := e.roots(ctx, p)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > e.pullLimit {
		limit = e.pullLimit
	}

	tx, err := e.db.BeginTx(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("beginning snapshot: %w", err)
	}
	defer tx.Rollback()

	snapshot, err := store.CurrentSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	resp := &model.PullResponse{
		Changes: make(map[model.EntityType][]model.Change, len(model.EntityTypes)),
		Cursors: make(map[model.EntityType]int64, len(model.EntityTypes)),
		HasMore: make(map[model.EntityType]bool),
	}
	total := 0
	for _, et := range model.EntityTypes {
		after := req.Cursors[et]
		if after > snapshot {
			// The cursor comes from a different server history; start over.
			slog.Warn("cursor ahead of server, resetting", "device", p.DeviceID, "entity", et,
				"cursor", after, "snapshot", snapshot)
			after = 0
		}

		rows, err := store.ChangeWindow(ctx, tx, et, after, snapshot, roots, limit+1)
		if err != nil {
			return nil, err
		}
		cursor := snapshot
		if len(rows) > limit {
			rows = rows[:limit]
			cursor = rows[len(rows)-1].Seq
			resp.HasMore[et] = true
		}

		changes := make([]model.Change, 0, len(rows))
		for _, row := range rows {
			ch := model.Change{Seq: row.Seq, Op: row.Op, EntityID: row.EntityID, Version: row.Version}
			if row.Op != model.ChangeDeleted {
				payload, version, err := loadEntity(ctx, tx, et, row.EntityID)
				if err != nil {
					return nil, err
				}
				if payload == nil {
					continue
				}
				ch.Payload = payload
				ch.Version = version
			}
			changes = append(changes, ch)
		}
		resp.Changes[et] = changes
		resp.Cursors[et] = cursor
		total += len(changes)
	}

	slog.Info("pull served", "device", p.DeviceID, "auditor", p.AuditorID, "snapshot", snapshot, "changes", total)
	return resp, nil
}

// loadEntity returns the JSON state and version of an entity, or a nil
// payload when it does not exist.
func loadEntity(ctx context.Context, c db.Conn, et model.EntityType, id int64) (json.RawMessage, int64, error) {
	var v any
	var version int64
	switch et {
	case model.EntityLocation:
		loc, err := store.GetLocation(ctx, c, id)
		if err != nil || loc == nil {
			return nil, 0, err
		}
		v, version = loc, loc.Version
	case model.EntityItem:
		item, err := store.GetItem(ctx, c, id)
		if err != nil || item == nil {
			return nil, 0, err
		}
		v, version = item, item.Version
	case model.EntityQRCode:
		qr, err := store.GetQRCode(ctx, c, id)
		if err != nil || qr == nil {
			return nil, 0, err
		}
		v, version = qr, qr.Version
	case model.EntityReport:
		r, err := store.GetReport(ctx, c, id)
		if err != nil || r == nil {
			return nil, 0, err
		}
		v, version = r, r.Version
	case model.EntityFinding:
		f, err := store.GetFinding(ctx, c, id)
		if err != nil || f == nil {
			return nil, 0, err
		}
		v, version = f, f.Version
	default:
		return nil, 0, fmt.Errorf("unknown entity type %q", et)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding %s %d: %w", et, id, err)
	}
	return payload, version, nil
}
