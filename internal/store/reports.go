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

const reportColumns = `r.id, r.location_id, r.auditor_id, r.state, r.review_notes, r.reviewed_by,
	r.created_at, r.submitted_at, r.reviewed_at, r.version, r.updated_at`

// CreateReport opens a draft report for auditorID at a location.
func CreateReport(ctx context.Context, c db.Conn, locationID, auditorID int64) (*model.AuditReport, error) {
	now := time.Now().UTC()
	var id int64
	err := c.QueryRowContext(ctx,
		`INSERT INTO audit_reports (location_id, auditor_id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		locationID, auditorID, model.ReportDraft, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating audit report: %w", err)
	}
	return GetReport(ctx, c, id)
}

// GetReport returns an audit report by ID.
func GetReport(ctx context.Context, c db.Conn, id int64) (*model.AuditReport, error) {
	r := &model.AuditReport{}
	err := c.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM audit_reports r WHERE r.id = ?`, id,
	).Scan(&r.ID, &r.LocationID, &r.AuditorID, &r.State, &r.ReviewNotes, &r.ReviewedBy,
		&r.CreatedAt, &r.SubmittedAt, &r.ReviewedAt, &r.Version, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting audit report: %w", err)
	}
	return r, nil
}

// OpenReportCovering returns the open report that locks the location at path:
// one opened on the location itself or on any of its ancestors.
func OpenReportCovering(ctx context.Context, c db.Conn, path string) (*model.AuditReport, error) {
	paths := append(pathtree.Ancestors(path), path)
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	return openReport(ctx, c, `l.path IN (`+placeholders(len(paths))+`)`, args)
}

// OpenReportOverlapping returns an open report on the location at path, its
// ancestors or its descendants. Two audits may never overlap.
func OpenReportOverlapping(ctx context.Context, c db.Conn, path string) (*model.AuditReport, error) {
	if r, err := OpenReportCovering(ctx, c, path); err != nil || r != nil {
		return r, err
	}
	return openReport(ctx, c, `l.path LIKE ? ESCAPE '\'`, []any{pathtree.LikePattern(path)})
}

func openReport(ctx context.Context, c db.Conn, where string, args []any) (*model.AuditReport, error) {
	r := &model.AuditReport{}
	err := c.QueryRowContext(ctx,
		`SELECT `+reportColumns+`
		 FROM audit_reports r JOIN locations l ON l.id = r.location_id
		 WHERE r.state IN ('draft', 'submitted') AND `+where+`
		 ORDER BY r.id LIMIT 1`, args...,
	).Scan(&r.ID, &r.LocationID, &r.AuditorID, &r.State, &r.ReviewNotes, &r.ReviewedBy,
		&r.CreatedAt, &r.SubmittedAt, &r.ReviewedAt, &r.Version, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding open audit report: %w", err)
	}
	return r, nil
}

// UpdateReport persists r's workflow fields if the stored version is still
// baseVersion.
func UpdateReport(ctx context.Context, c db.Conn, r *model.AuditReport, baseVersion int64) error {
	result, err := c.ExecContext(ctx,
		`UPDATE audit_reports SET state = ?, review_notes = ?, reviewed_by = ?, submitted_at = ?, reviewed_at = ?,
		        version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		r.State, r.ReviewNotes, r.ReviewedBy, r.SubmittedAt, r.ReviewedAt, time.Now().UTC(), r.ID, baseVersion,
	)
	if err != nil {
		return fmt.Errorf("updating audit report: %w", err)
	}
	n, _ := result.RowsAffected()
	return expectOne(n)
}

// DeleteReport hard-deletes a report and its findings, returning the IDs of
// the removed findings.
func DeleteReport(ctx context.Context, c db.Conn, id int64) ([]int64, error) {
	findings, err := ListFindingIDs(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.ExecContext(ctx, `DELETE FROM audit_findings WHERE report_id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting findings: %w", err)
	}
	if _, err := c.ExecContext(ctx, `DELETE FROM audit_reports WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting audit report: %w", err)
	}
	return findings, nil
}
