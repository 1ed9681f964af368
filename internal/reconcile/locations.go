package reconcile

import (
	"context"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
)

func createLocation(ctx context.Context, m *mutation) (*result, error) {
	var p model.LocationPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}

	var parent *model.Location
	parentLocked := false
	if p.ParentID != nil {
		id, err := m.resolve(ctx, model.EntityLocation, *p.ParentID)
		if err != nil {
			return nil, err
		}
		p.ParentID = &id
		if parent, err = store.GetLocation(ctx, m.tx, id); err != nil {
			return nil, err
		}
		if parent != nil {
			holder, err := store.OpenReportCovering(ctx, m.tx, parent.Path)
			if err != nil {
				return nil, err
			}
			parentLocked = holder != nil
		}
	}

	placement, err := validate.LocationCreate(p, parent, parentLocked)
	if err != nil {
		return nil, err
	}
	if err := m.inScope(placement.Path); err != nil {
		return nil, err
	}
	if err := pathFree(ctx, m, placement.Path, 0); err != nil {
		return nil, err
	}

	loc, err := store.CreateLocation(ctx, m.tx, p, placement.Path, placement.Depth)
	if err != nil {
		return nil, err
	}
	if err := m.created(ctx, loc.ID); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityLocation, loc.ID, model.ChangeCreated, loc.Version, loc.Path); err != nil {
		return nil, err
	}
	return &result{id: loc.ID, version: loc.Version, payload: loc}, nil
}

func updateLocation(ctx context.Context, m *mutation) (*result, error) {
	id, err := m.target(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := store.GetLocation(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, validate.Fail(model.CodeLocationNotFound, "location %d not found", id)
	}
	if err := m.inScope(cur.Path); err != nil {
		return nil, err
	}

	var p model.LocationPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}

	var newParent *model.Location
	if p.ParentID != nil {
		pid, err := m.resolve(ctx, model.EntityLocation, *p.ParentID)
		if err != nil {
			return nil, err
		}
		p.ParentID = &pid
		if newParent, err = store.GetLocation(ctx, m.tx, pid); err != nil {
			return nil, err
		}
	}

	holder, err := store.OpenReportOverlapping(ctx, m.tx, cur.Path)
	if err != nil {
		return nil, err
	}
	if holder == nil && newParent != nil {
		if holder, err = store.OpenReportCovering(ctx, m.tx, newParent.Path); err != nil {
			return nil, err
		}
	}
	height, err := store.SubtreeHeight(ctx, m.tx, cur.Path, cur.Depth)
	if err != nil {
		return nil, err
	}

	placement, err := validate.LocationUpdate(cur, p, newParent, height, holder != nil)
	if err != nil {
		return nil, err
	}
	moved := placement.Path != cur.Path
	if moved {
		if err := m.inScope(placement.Path); err != nil {
			return nil, err
		}
		if err := pathFree(ctx, m, placement.Path, id); err != nil {
			return nil, err
		}
	}

	if err := m.checkVersion(ctx, id, cur.Version); err != nil {
		return nil, err
	}
	if err := store.UpdateLocation(ctx, m.tx, id, cur.Version, p, placement.Path, placement.Depth); err != nil {
		return nil, m.versioned(ctx, id, err)
	}

	loc, err := store.GetLocation(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityLocation, loc.ID, model.ChangeUpdated, loc.Version, loc.Path); err != nil {
		return nil, err
	}
	if moved {
		if err := reannounce(ctx, m, cur.Path, loc.Path); err != nil {
			return nil, err
		}
	}
	return &result{id: loc.ID, version: loc.Version, payload: loc}, nil
}

// pathFree refuses a path already used by a location other than exceptID.
func pathFree(ctx context.Context, m *mutation, path string, exceptID int64) error {
	existing, err := store.GetLocationByPath(ctx, m.tx, path)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != exceptID {
		return validate.Fail(model.CodeLocationCodeTaken, "location %s already exists", path)
	}
	return nil
}

// reannounce rewrites the descendants of a moved location and records a
// change for every row whose scope path moved with it.
func reannounce(ctx context.Context, m *mutation, oldPath, newPath string) error {
	descendants, err := store.RebaseDescendants(ctx, m.tx, oldPath, newPath)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if err := m.emit(ctx, model.EntityLocation, d.ID, model.ChangeUpdated, d.Version, d.Path); err != nil {
			return err
		}
	}

	rows, err := store.EntitiesUnder(ctx, m.tx, newPath)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := m.emit(ctx, r.EntityType, r.EntityID, r.Op, r.Version, r.ScopePath); err != nil {
			return err
		}
	}
	return nil
}
