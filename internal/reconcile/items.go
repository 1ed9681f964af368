package reconcile

import (
	"context"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
)

func createItem(ctx context.Context, m *mutation) (*result, error) {
	var p model.ItemPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	if err := validate.ItemFields(p); err != nil {
		return nil, err
	}
	locID, err := m.resolve(ctx, model.EntityLocation, p.LocationID)
	if err != nil {
		return nil, err
	}
	p.LocationID = locID

	loc, err := placeableLocation(ctx, m, locID)
	if err != nil {
		return nil, err
	}
	if err := codeFree(ctx, m, p.Code, 0); err != nil {
		return nil, err
	}

	item, err := store.CreateItem(ctx, m.tx, p)
	if err != nil {
		return nil, err
	}
	if err := m.created(ctx, item.ID); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityItem, item.ID, model.ChangeCreated, item.Version, loc.Path); err != nil {
		return nil, err
	}
	return &result{id: item.ID, version: item.Version, payload: item}, nil
}

func updateItem(ctx context.Context, m *mutation) (*result, error) {
	id, err := m.target(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := store.GetItem(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, validate.Fail(model.CodeItemNotFound, "item %d not found", id)
	}

	var p model.ItemPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	if err := validate.ItemFields(p); err != nil {
		return nil, err
	}
	locID, err := m.resolve(ctx, model.EntityLocation, p.LocationID)
	if err != nil {
		return nil, err
	}
	p.LocationID = locID

	// The item's current location must accept the change, and so must the
	// destination when the item moves.
	from, err := placeableLocation(ctx, m, cur.LocationID)
	if err != nil {
		return nil, err
	}
	to := from
	if locID != cur.LocationID {
		if to, err = placeableLocation(ctx, m, locID); err != nil {
			return nil, err
		}
	}
	if err := codeFree(ctx, m, p.Code, id); err != nil {
		return nil, err
	}

	if err := m.checkVersion(ctx, id, cur.Version); err != nil {
		return nil, err
	}
	if err := store.UpdateItem(ctx, m.tx, id, cur.Version, p); err != nil {
		return nil, m.versioned(ctx, id, err)
	}

	item, err := store.GetItem(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityItem, item.ID, model.ChangeUpdated, item.Version, to.Path); err != nil {
		return nil, err
	}

	if to.ID != from.ID {
		if err := store.RecordItemMove(ctx, m.tx, id, from.ID, to.ID, m.principal.DeviceID); err != nil {
			return nil, err
		}
		// The tag follows the item into its new scope.
		qr, err := store.QRCodeForItem(ctx, m.tx, id)
		if err != nil {
			return nil, err
		}
		if qr != nil {
			if err := m.emit(ctx, model.EntityQRCode, qr.ID, model.ChangeUpdated, qr.Version, to.Path); err != nil {
				return nil, err
			}
		}
	}
	return &result{id: item.ID, version: item.Version, payload: item}, nil
}

// placeableLocation loads a location and checks that the principal may place
// items in it or take items out of it.
func placeableLocation(ctx context.Context, m *mutation, id int64) (*model.Location, error) {
	loc, err := store.GetLocation(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, validate.Fail(model.CodeLocationNotFound, "location %d not found", id)
	}
	if err := m.inScope(loc.Path); err != nil {
		return nil, err
	}
	holder, err := store.OpenReportCovering(ctx, m.tx, loc.Path)
	if err != nil {
		return nil, err
	}
	if err := validate.ItemPlacement(loc, holder, m.principal.AuditorID); err != nil {
		return nil, err
	}
	return loc, nil
}

func codeFree(ctx context.Context, m *mutation, code string, exceptID int64) error {
	taken, err := store.ItemCodeTaken(ctx, m.tx, code, exceptID)
	if err != nil {
		return err
	}
	if taken {
		return validate.Fail(model.CodeItemCodeTaken, "item code %s is already used", code)
	}
	return nil
}
