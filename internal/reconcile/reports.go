package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
	"github.com/erazemk/popis/internal/workflow"
)

func createReport(ctx context.Context, m *mutation) (*result, error) {
	var p model.ReportPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	locID, err := m.resolve(ctx, model.EntityLocation, p.LocationID)
	if err != nil {
		return nil, err
	}
	loc, err := store.GetLocation(ctx, m.tx, locID)
	if err != nil {
		return nil, err
	}
	if loc != nil {
		if err := m.inScope(loc.Path); err != nil {
			return nil, err
		}
	}

	var holder *model.AuditReport
	if loc != nil {
		if err := store.LockLocationChain(ctx, m.tx, loc.Path); err != nil {
			return nil, err
		}
		if holder, err = store.OpenReportOverlapping(ctx, m.tx, loc.Path); err != nil {
			return nil, err
		}
	}
	if err := validate.ReportCreate(loc, holder); err != nil {
		return nil, err
	}
	if _, _, err := workflow.Transition("", workflow.Create, 0); err != nil {
		return nil, err
	}

	r, err := store.CreateReport(ctx, m.tx, loc.ID, m.principal.AuditorID)
	if err != nil {
		return nil, err
	}
	if err := m.created(ctx, r.ID); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityReport, r.ID, model.ChangeCreated, r.Version, loc.Path); err != nil {
		return nil, err
	}
	if err := setLock(ctx, m, loc.ID, &r.ID); err != nil {
		return nil, err
	}
	return &result{id: r.ID, version: r.Version, payload: r}, nil
}

func transitionReport(ctx context.Context, m *mutation) (*result, error) {
	ev, ok := workflow.EventFor(m.Operation)
	if !ok {
		return nil, validate.Fail(model.CodeUnsupportedOperation, "audit report does not support %q", m.Operation)
	}

	id, err := m.target(ctx)
	if err != nil {
		return nil, err
	}
	r, err := store.GetReport(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, validate.Fail(model.CodeAuditNotFound, "audit report %d not found", id)
	}
	loc, err := store.GetLocation(ctx, m.tx, r.LocationID)
	if err != nil {
		return nil, err
	}
	if err := m.inScope(loc.Path); err != nil {
		return nil, err
	}

	var review model.ReviewPayload
	if len(m.Payload) > 0 {
		if err := m.decode(&review); err != nil {
			return nil, err
		}
	}
	findings, err := store.CountFindings(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}

	state, eff, err := validate.ReportTransition(r, ev, findings, m.principal.actor())
	if err != nil {
		return nil, err
	}
	if eff.LockLocation {
		// Another audit may have claimed the area while this one was rejected.
		if err := store.LockLocationChain(ctx, m.tx, loc.Path); err != nil {
			return nil, err
		}
		holder, err := store.OpenReportOverlapping(ctx, m.tx, loc.Path)
		if err != nil {
			return nil, err
		}
		if holder != nil {
			return nil, validate.Fail(model.CodeLocationLocked, "location %s is locked by audit report %d", loc.Path, holder.ID)
		}
	}

	if err := m.checkVersion(ctx, id, r.Version); err != nil {
		return nil, err
	}

	base := r.Version
	now := time.Now().UTC()
	r.State = state
	if eff.Submitted {
		r.SubmittedAt = &now
	}
	if eff.Reviewed {
		reviewer := m.principal.AuditorID
		r.ReviewedAt = &now
		r.ReviewedBy = &reviewer
		r.ReviewNotes = review.Notes
	}
	if err := store.UpdateReport(ctx, m.tx, r, base); err != nil {
		return nil, m.versioned(ctx, id, err)
	}
	if r, err = store.GetReport(ctx, m.tx, id); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityReport, r.ID, model.ChangeUpdated, r.Version, loc.Path); err != nil {
		return nil, err
	}

	switch {
	case eff.LockLocation:
		err = setLock(ctx, m, loc.ID, &r.ID)
	case eff.UnlockLocation:
		err = setLock(ctx, m, loc.ID, nil)
	}
	if err != nil {
		return nil, err
	}
	return &result{id: r.ID, version: r.Version, payload: r}, nil
}

// setLock records the lock holder on a location and announces the change.
func setLock(ctx context.Context, m *mutation, locationID int64, reportID *int64) error {
	if err := store.SetLocationLock(ctx, m.tx, locationID, reportID); err != nil {
		if errors.Is(err, store.ErrLocationLocked) {
			return validate.Fail(model.CodeLocationLocked, "location %d is locked by another audit report", locationID)
		}
		return err
	}
	loc, err := store.GetLocation(ctx, m.tx, locationID)
	if err != nil {
		return err
	}
	return m.emit(ctx, model.EntityLocation, loc.ID, model.ChangeUpdated, loc.Version, loc.Path)
}
