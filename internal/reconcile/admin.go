package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
)

// Administrative operations run outside the mutation protocol. They still
// write through the change feed so devices pick their effects up on pull.

// admin runs fn in a transaction on behalf of p.
func (e *Engine) admin(ctx context.Context, p Principal, fn func(m *mutation) error) error {
	tx, err := e.db.BeginTx(ctx, false)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	m := &mutation{Mutation: &model.Mutation{}, tx: tx, principal: p}
	if err := fn(m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// RebindQRCode moves a QR code to another item, the only way to break the
// binding ratchet.
func (e *Engine) RebindQRCode(ctx context.Context, p Principal, qrID, itemID int64) (*model.QRCode, error) {
	var qr *model.QRCode
	err := e.admin(ctx, p, func(m *mutation) error {
		cur, err := store.GetQRCode(ctx, m.tx, qrID)
		if err != nil {
			return err
		}
		item, err := store.GetItem(ctx, m.tx, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return validate.Fail(model.CodeItemNotFound, "item %d not found", itemID)
		}
		tagged, err := store.QRCodeForItem(ctx, m.tx, itemID)
		if err != nil {
			return err
		}
		if err := validate.QRRebind(cur, itemID, tagged); err != nil {
			return err
		}
		if err := store.SetQRCodeState(ctx, m.tx, qrID, 0, model.QRAssigned, &itemID); err != nil {
			return err
		}
		loc, err := store.GetLocation(ctx, m.tx, item.LocationID)
		if err != nil {
			return err
		}
		if qr, err = store.GetQRCode(ctx, m.tx, qrID); err != nil {
			return err
		}
		return m.emit(ctx, model.EntityQRCode, qr.ID, model.ChangeUpdated, qr.Version, loc.Path)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("qr code rebound", "device", p.DeviceID, "qr_code", qrID, "item", itemID)
	return qr, nil
}

// RetireQRCode takes a QR code out of service for good.
func (e *Engine) RetireQRCode(ctx context.Context, p Principal, qrID int64) (*model.QRCode, error) {
	var qr *model.QRCode
	err := e.admin(ctx, p, func(m *mutation) error {
		cur, err := store.GetQRCode(ctx, m.tx, qrID)
		if err != nil {
			return err
		}
		if cur == nil {
			return validate.Fail(model.CodeQRNotFound, "qr code %d not found", qrID)
		}
		if cur.State == model.QRRetired {
			qr = cur
			return nil
		}
		if err := store.SetQRCodeState(ctx, m.tx, qrID, 0, model.QRRetired, nil); err != nil {
			return err
		}
		if qr, err = store.GetQRCode(ctx, m.tx, qrID); err != nil {
			return err
		}
		return m.emit(ctx, model.EntityQRCode, qr.ID, model.ChangeUpdated, qr.Version, "")
	})
	if err != nil {
		return nil, err
	}
	slog.Info("qr code retired", "device", p.DeviceID, "qr_code", qrID)
	return qr, nil
}

// DeleteReport hard-deletes an audit report with its findings and releases
// its location lock. Devices learn about it through deleted changes.
func (e *Engine) DeleteReport(ctx context.Context, p Principal, reportID int64) error {
	err := e.admin(ctx, p, func(m *mutation) error {
		r, err := store.GetReport(ctx, m.tx, reportID)
		if err != nil {
			return err
		}
		if r == nil {
			return validate.Fail(model.CodeAuditNotFound, "audit report %d not found", reportID)
		}
		loc, err := store.GetLocation(ctx, m.tx, r.LocationID)
		if err != nil {
			return err
		}

		findings, err := store.DeleteReport(ctx, m.tx, reportID)
		if err != nil {
			return err
		}
		for _, id := range findings {
			if err := m.emit(ctx, model.EntityFinding, id, model.ChangeDeleted, 0, loc.Path); err != nil {
				return err
			}
		}
		if err := m.emit(ctx, model.EntityReport, r.ID, model.ChangeDeleted, r.Version, loc.Path); err != nil {
			return err
		}
		if loc.LockedByReport != nil && *loc.LockedByReport == r.ID {
			return setLock(ctx, m, loc.ID, nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("audit report deleted", "device", p.DeviceID, "report", reportID)
	return nil
}

// AssignScope replaces the locations an auditor may see and drops any cached
// copy of the old assignment.
func (e *Engine) AssignScope(ctx context.Context, p Principal, auditorID int64, locationIDs []int64) error {
	err := e.admin(ctx, p, func(m *mutation) error {
		for _, id := range locationIDs {
			loc, err := store.GetLocation(ctx, m.tx, id)
			if err != nil {
				return err
			}
			if loc == nil {
				return validate.Fail(model.CodeLocationNotFound, "location %d not found", id)
			}
		}
		return store.SetAuditorLocations(ctx, m.tx, auditorID, locationIDs)
	})
	if err != nil {
		return err
	}
	if err := e.scopes.Invalidate(ctx, auditorID); err != nil {
		slog.Warn("scope cache invalidation failed", "auditor", auditorID, "error", err)
	}
	slog.Info("auditor scope assigned", "device", p.DeviceID, "auditor", auditorID, "locations", len(locationIDs))
	return nil
}

// ItemMoves returns an item's location history.
func (e *Engine) ItemMoves(ctx context.Context, itemID int64) ([]model.ItemMove, error) {
	item, err := store.GetItem(ctx, e.db, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, validate.Fail(model.CodeItemNotFound, "item %d not found", itemID)
	}
	return store.ListItemMoves(ctx, e.db, itemID)
}

// VerifyLocations rebuilds the location tree from parent links and reports
// every stored path or depth that disagrees with it.
func (e *Engine) VerifyLocations(ctx context.Context) ([]pathtree.Mismatch, error) {
	nodes, paths, depths, err := store.LocationTree(ctx, e.db)
	if err != nil {
		return nil, err
	}
	tree, err := pathtree.NewTree(nodes, model.MaxLocationDepth)
	if err != nil {
		return nil, fmt.Errorf("building location tree: %w", err)
	}
	return tree.Verify(paths, depths), nil
}
