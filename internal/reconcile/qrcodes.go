package reconcile

import (
	"context"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
)

func createQRCode(ctx context.Context, m *mutation) (*result, error) {
	var p model.QRCodePayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	if err := validate.QRCreate(p); err != nil {
		return nil, err
	}
	existing, err := store.GetQRCodeByToken(ctx, m.tx, p.Token)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, validate.Fail(model.CodeQRTokenTaken, "qr token %s is already registered", p.Token)
	}

	qr, err := store.CreateQRCode(ctx, m.tx, p.Token)
	if err != nil {
		return nil, err
	}
	if err := m.created(ctx, qr.ID); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityQRCode, qr.ID, model.ChangeCreated, qr.Version, ""); err != nil {
		return nil, err
	}
	return &result{id: qr.ID, version: qr.Version, payload: qr}, nil
}

func bindQRCode(ctx context.Context, m *mutation) (*result, error) {
	id, err := m.target(ctx)
	if err != nil {
		return nil, err
	}
	qr, err := store.GetQRCode(ctx, m.tx, id)
	if err != nil {
		return nil, err
	}

	var p model.QRBindPayload
	if err := m.decode(&p); err != nil {
		return nil, err
	}
	itemID, err := m.resolve(ctx, model.EntityItem, p.InventoryItemID)
	if err != nil {
		return nil, err
	}
	item, err := store.GetItem(ctx, m.tx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, validate.Fail(model.CodeItemNotFound, "item %d not found", itemID)
	}
	loc, err := store.GetLocation(ctx, m.tx, item.LocationID)
	if err != nil {
		return nil, err
	}
	if err := m.inScope(loc.Path); err != nil {
		return nil, err
	}
	tagged, err := store.QRCodeForItem(ctx, m.tx, itemID)
	if err != nil {
		return nil, err
	}
	if err := validate.QRBind(qr, itemID, tagged); err != nil {
		return nil, err
	}

	// Binding the code to the item it already carries changes nothing.
	if qr.State == model.QRAssigned {
		return &result{id: qr.ID, version: qr.Version, payload: qr}, nil
	}

	if err := m.checkVersion(ctx, id, qr.Version); err != nil {
		return nil, err
	}
	if err := store.SetQRCodeState(ctx, m.tx, id, qr.Version, model.QRAssigned, &itemID); err != nil {
		return nil, m.versioned(ctx, id, err)
	}
	if qr, err = store.GetQRCode(ctx, m.tx, id); err != nil {
		return nil, err
	}
	if err := m.emit(ctx, model.EntityQRCode, qr.ID, model.ChangeUpdated, qr.Version, loc.Path); err != nil {
		return nil, err
	}
	return &result{id: qr.ID, version: qr.Version, payload: qr}, nil
}
