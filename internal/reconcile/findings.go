package reconcile

import (
	"context"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
)

func createFinding(ctx context.Context, m *mutation) (*result, error) {
	var p model.FindingPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	reportLoc, err := checkFinding(ctx, m, &p)
	if err != nil {
		return nil, err
	}

	// One finding per item and report: a second create replaces the first.
	existing, err := store.GetFindingForItem(ctx, m.tx, p.ReportID, p.ItemID)
	if err != nil {
		return nil, err
	}
	op := model.ChangeCreated
	var f *model.AuditFinding
	if existing != nil {
		if err := store.UpdateFinding(ctx, m.tx, existing.ID, existing.Version, p); err != nil {
			return nil, m.versioned(ctx, existing.ID, err)
		}
		f, err = store.GetFinding(ctx, m.tx, existing.ID)
		op = model.ChangeUpdated
	} else {
		f, err = store.CreateFinding(ctx, m.tx, p)
	}
	if err != nil {
		return nil, err
	}

	if err := m.created(ctx, f.ID); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityFinding, f.ID, op, f.Version, reportLoc.Path); err != nil {
		return nil, err
	}
	return &result{id: f.ID, version: f.Version, payload: f}, nil
}

func updateFinding(ctx context.Context, m *mutation) (*result, error) {
	id, err := m.target(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := store.GetFinding(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, validate.Fail(model.CodeFindingNotFound, "finding %d not found", id)
	}

	var p model.FindingPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	if p.ReportID == 0 {
		p.ReportID = cur.ReportID
	}
	if p.ItemID == 0 {
		p.ItemID = cur.ItemID
	}
	reportLoc, err := checkFinding(ctx, m, &p)
	if err != nil {
		return nil, err
	}
	if p.ReportID != cur.ReportID || p.ItemID != cur.ItemID {
		return nil, validate.Fail(model.CodeMalformedMutation, "a finding cannot change its report or item")
	}

	if err := m.checkVersion(ctx, id, cur.Version); err != nil {
		return nil, err
	}
	if err := store.UpdateFinding(ctx, m.tx, id, cur.Version, p); err != nil {
		return nil, m.versioned(ctx, id, err)
	}
	f, err := store.GetFinding(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityFinding, f.ID, model.ChangeUpdated, f.Version, reportLoc.Path); err != nil {
		return nil, err
	}
	return &result{id: f.ID, version: f.Version, payload: f}, nil
}

// checkFinding resolves the references of p and validates it against its
// report and item. It returns the report's location.
func checkFinding(ctx context.Context, m *mutation, p *model.FindingPayload) (*model.Location, error) {
	var err error
	if p.ReportID, err = m.resolve(ctx, model.EntityReport, p.ReportID); err != nil {
		return nil, err
	}
	if p.ItemID, err = m.resolve(ctx, model.EntityItem, p.ItemID); err != nil {
		return nil, err
	}

	report, err := store.GetReport(ctx, m.tx, p.ReportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, validate.Fail(model.CodeAuditNotFound, "audit report %d not found", p.ReportID)
	}
	reportLoc, err := store.GetLocation(ctx, m.tx, report.LocationID)
	if err != nil {
		return nil, err
	}
	if err := m.inScope(reportLoc.Path); err != nil {
		return nil, err
	}
	if report.AuditorID != m.principal.AuditorID && !model.RoleAtLeast(m.principal.Role, model.RoleAdmin) {
		return nil, validate.Fail(model.CodeForbidden, "audit report %d belongs to another auditor", report.ID)
	}

	var itemLoc *model.Location
	item, err := store.GetItem(ctx, m.tx, p.ItemID)
	if err != nil {
		return nil, err
	}
	if item != nil {
		if itemLoc, err = store.GetLocation(ctx, m.tx, item.LocationID); err != nil {
			return nil, err
		}
	}
	if err := validate.Finding(report, reportLoc, itemLoc, *p); err != nil {
		return nil, err
	}
	return reportLoc, nil
}
