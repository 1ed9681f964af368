package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

const findingColumns = `id, report_id, item_id, status, condition, notes, latitude, longitude, accuracy,
	custom_values, photo_handles, version, created_at, updated_at`

// CreateFinding records a finding for an item within a report.
func CreateFinding(ctx context.Context, c db.Conn, p model.FindingPayload) (*model.AuditFinding, error) {
	values, photos, err := encodeFinding(p)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var id int64
	err = c.QueryRowContext(ctx,
		`INSERT INTO audit_findings (report_id, item_id, status, condition, notes, latitude, longitude, accuracy,
		                             custom_values, photo_handles, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.ReportID, p.ItemID, p.Status, p.Condition, p.Notes, p.Latitude, p.Longitude, p.Accuracy,
		values, photos, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating finding: %w", err)
	}
	return GetFinding(ctx, c, id)
}

// GetFinding returns a finding by ID.
func GetFinding(ctx context.Context, c db.Conn, id int64) (*model.AuditFinding, error) {
	return getFinding(ctx, c, `SELECT `+findingColumns+` FROM audit_findings WHERE id = ?`, id)
}

// GetFindingForItem returns the finding for itemID within reportID, if any.
func GetFindingForItem(ctx context.Context, c db.Conn, reportID, itemID int64) (*model.AuditFinding, error) {
	return getFinding(ctx, c,
		`SELECT `+findingColumns+` FROM audit_findings WHERE report_id = ? AND item_id = ?`, reportID, itemID)
}

func getFinding(ctx context.Context, c db.Conn, query string, args ...any) (*model.AuditFinding, error) {
	f := &model.AuditFinding{}
	var values, photos string
	err := c.QueryRowContext(ctx, query, args...).Scan(
		&f.ID, &f.ReportID, &f.ItemID, &f.Status, &f.Condition, &f.Notes,
		&f.Latitude, &f.Longitude, &f.Accuracy, &values, &photos,
		&f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting finding: %w", err)
	}
	if err := json.Unmarshal([]byte(values), &f.CustomValues); err != nil {
		return nil, fmt.Errorf("decoding custom values of finding %d: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(photos), &f.PhotoHandles); err != nil {
		return nil, fmt.Errorf("decoding photo handles of finding %d: %w", f.ID, err)
	}
	return f, nil
}

// UpdateFinding writes p to the finding if its version is still baseVersion.
func UpdateFinding(ctx context.Context, c db.Conn, id, baseVersion int64, p model.FindingPayload) error {
	values, photos, err := encodeFinding(p)
	if err != nil {
		return err
	}

	result, err := c.ExecContext(ctx,
		`UPDATE audit_findings SET status = ?, condition = ?, notes = ?, latitude = ?, longitude = ?, accuracy = ?,
		        custom_values = ?, photo_handles = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.Status, p.Condition, p.Notes, p.Latitude, p.Longitude, p.Accuracy,
		values, photos, time.Now().UTC(), id, baseVersion,
	)
	if err != nil {
		return fmt.Errorf("updating finding: %w", err)
	}
	n, _ := result.RowsAffected()
	return expectOne(n)
}

// CountFindings returns the number of findings recorded on a report.
func CountFindings(ctx context.Context, c db.Conn, reportID int64) (int, error) {
	var count int
	err := c.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_findings WHERE report_id = ?`, reportID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting findings: %w", err)
	}
	return count, nil
}

// ListFindingIDs returns the IDs of a report's findings.
func ListFindingIDs(ctx context.Context, c db.Conn, reportID int64) ([]int64, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT id FROM audit_findings WHERE report_id = ? ORDER BY id`, reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning finding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeFinding(p model.FindingPayload) (string, string, error) {
	values := p.CustomValues
	if values == nil {
		values = map[string]string{}
	}
	photos := p.PhotoHandles
	if photos == nil {
		photos = []string{}
	}
	vb, err := json.Marshal(values)
	if err != nil {
		return "", "", fmt.Errorf("encoding custom values: %w", err)
	}
	pb, err := json.Marshal(photos)
	if err != nil {
		return "", "", fmt.Errorf("encoding photo handles: %w", err)
	}
	return string(vb), string(pb), nil
}
