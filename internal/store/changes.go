package store

import (
	"context"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
)

// ChangeRecord is one row of the change feed.
type ChangeRecord struct {
	Seq        int64
	EntityType model.EntityType
	EntityID   int64
	Op         model.ChangeOp
	Version    int64
	ScopePath  string
	DeviceID   string
}

// RecordChange appends rec to the change feed and returns its sequence
// number. The sequence comes from the sync_clock row, which the calling
// transaction keeps write-locked until commit, so sequence order equals commit
// order.
func RecordChange(ctx context.Context, c db.Conn, rec ChangeRecord) (int64, error) {
	var seq int64
	err := c.QueryRowContext(ctx,
		`UPDATE sync_clock SET seq = seq + 1 WHERE id = 1 RETURNING seq`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advancing sync clock: %w", err)
	}

	_, err = c.ExecContext(ctx,
		`INSERT INTO changes (seq, entity_type, entity_id, op, version, scope_path, device_id, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, rec.EntityType, rec.EntityID, rec.Op, rec.Version, rec.ScopePath, rec.DeviceID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording change: %w", err)
	}
	return seq, nil
}

// CurrentSeq returns the highest committed sequence number.
func CurrentSeq(ctx context.Context, c db.Conn) (int64, error) {
	var seq int64
	if err := c.QueryRowContext(ctx, `SELECT seq FROM sync_clock WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading sync clock: %w", err)
	}
	return seq, nil
}

// ChangeWindow selects, for one entity type, the latest change of every
// entity changed in (after, upto], ordered by sequence and capped at limit.
// A nil roots slice means unrestricted; otherwise only changes whose scope is
// empty or within one of roots are returned.
func ChangeWindow(ctx context.Context, c db.Conn, et model.EntityType, after, upto int64, roots []string, limit int) ([]ChangeRecord, error) {
	query := `SELECT ch.seq, ch.entity_type, ch.entity_id, ch.op, ch.version, ch.scope_path, ch.device_id
	          FROM changes ch
	          WHERE ch.entity_type = ? AND ch.seq > ? AND ch.seq <= ?
	            AND ch.seq = (SELECT MAX(c2.seq) FROM changes c2
	                          WHERE c2.entity_type = ch.entity_type AND c2.entity_id = ch.entity_id AND c2.seq <= ?)`
	args := []any{et, after, upto, upto}

	if roots != nil {
		query += ` AND (ch.scope_path = ''`
		for _, r := range roots {
			query += ` OR ch.scope_path = ? OR ch.scope_path LIKE ? ESCAPE '\'`
			args = append(args, r, pathtree.LikePattern(r))
		}
		query += `)`
	}

	query += ` ORDER BY ch.seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading change window: %w", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err := rows.Scan(&rec.Seq, &rec.EntityType, &rec.EntityID, &rec.Op, &rec.Version,
			&rec.ScopePath, &rec.DeviceID); err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EntitiesUnder lists the items, QR codes, reports and findings whose scope
// lies within path, as updated change records carrying their current version
// and scope. Used to re-announce rows after their location subtree moved.
func EntitiesUnder(ctx context.Context, c db.Conn, path string) ([]ChangeRecord, error) {
	within := `(l.path = ? OR l.path LIKE ? ESCAPE '\')`
	queries := []struct {
		et    model.EntityType
		query string
	}{
		{model.EntityItem, `SELECT i.id, i.version, l.path FROM items i
			JOIN locations l ON l.id = i.location_id WHERE ` + within},
		{model.EntityQRCode, `SELECT q.id, q.version, l.path FROM qr_codes q
			JOIN items i ON i.id = q.item_id JOIN locations l ON l.id = i.location_id
			WHERE q.state = 'assigned' AND ` + within},
		{model.EntityReport, `SELECT r.id, r.version, l.path FROM audit_reports r
			JOIN locations l ON l.id = r.location_id WHERE ` + within},
		{model.EntityFinding, `SELECT f.id, f.version, l.path FROM audit_findings f
			JOIN audit_reports r ON r.id = f.report_id JOIN locations l ON l.id = r.location_id
			WHERE ` + within},
	}

	var out []ChangeRecord
	for _, q := range queries {
		rows, err := c.QueryContext(ctx, q.query+` ORDER BY 1`, path, pathtree.LikePattern(path))
		if err != nil {
			return nil, fmt.Errorf("listing %s under %s: %w", q.et, path, err)
		}
		for rows.Next() {
			rec := ChangeRecord{EntityType: q.et, Op: model.ChangeUpdated}
			if err := rows.Scan(&rec.EntityID, &rec.Version, &rec.ScopePath); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning %s: %w", q.et, err)
			}
			out = append(out, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
