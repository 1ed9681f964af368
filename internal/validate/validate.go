// Package validate holds the domain invariants every mutation must satisfy
// before it commits. The predicates are stateless: the caller loads the
// current authoritative rows (inside its transaction) and passes them in.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
	"github.com/erazemk/popis/internal/workflow"
)

// Error is a violated invariant with a stable code.
type Error struct {
	Code    model.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fail builds an *Error.
func Fail(code model.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of a validation error.
func CodeOf(err error) (model.ErrorCode, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return "", false
}

// Placement is the derived position of a location in the tree.
type Placement struct {
	Path  string
	Depth int
}

// LocationCreate checks a new location under parent (nil for a root) and
// derives its path. parentLocked is true when an open audit covers parent.
func LocationCreate(p model.LocationPayload, parent *model.Location, parentLocked bool) (Placement, error) {
	if err := pathtree.ValidCode(p.Code); err != nil {
		return Placement{}, Fail(model.CodeLocationCodeInvalid, "%v", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Placement{}, Fail(model.CodeMalformedMutation, "location name is required")
	}
	if p.ParentID == nil {
		return Placement{Path: p.Code, Depth: 0}, nil
	}
	if parent == nil {
		return Placement{}, Fail(model.CodeLocationNotFound, "parent location %d not found", *p.ParentID)
	}
	if parentLocked {
		return Placement{}, Fail(model.CodeLocationLocked, "parent location %s is under audit", parent.Path)
	}
	depth := parent.Depth + 1
	if depth > model.MaxLocationDepth {
		return Placement{}, Fail(model.CodeLocationDepthExceeded, "depth %d exceeds %d", depth, model.MaxLocationDepth)
	}
	return Placement{Path: pathtree.Join(parent.Path, p.Code), Depth: depth}, nil
}

// LocationUpdate checks an update of cur. newParent is the proposed parent
// (nil for root), height the number of levels below cur, and locked whether
// cur or the proposed parent is covered by an open audit. Renames of name or
// level label are allowed while locked; code and parent changes are not.
func LocationUpdate(cur *model.Location, p model.LocationPayload, newParent *model.Location, height int, locked bool) (Placement, error) {
	if err := pathtree.ValidCode(p.Code); err != nil {
		return Placement{}, Fail(model.CodeLocationCodeInvalid, "%v", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Placement{}, Fail(model.CodeMalformedMutation, "location name is required")
	}

	parentPath := ""
	depth := 0
	if p.ParentID != nil {
		if newParent == nil {
			return Placement{}, Fail(model.CodeLocationNotFound, "parent location %d not found", *p.ParentID)
		}
		if newParent.ID == cur.ID || pathtree.IsWithin(newParent.Path, cur.Path) {
			return Placement{}, Fail(model.CodeLocationCycle, "cannot move %s under itself or a descendant", cur.Path)
		}
		parentPath = newParent.Path
		depth = newParent.Depth + 1
	}
	if depth+height > model.MaxLocationDepth {
		return Placement{}, Fail(model.CodeLocationDepthExceeded, "subtree would reach depth %d", depth+height)
	}

	placement := Placement{Path: pathtree.Join(parentPath, p.Code), Depth: depth}
	if locked && placement.Path != cur.Path {
		return Placement{}, Fail(model.CodeLocationLocked, "location %s is under audit", cur.Path)
	}
	return placement, nil
}

// ItemFields checks the plain fields of an item payload.
func ItemFields(p model.ItemPayload) error {
	if strings.TrimSpace(p.Code) == "" || strings.TrimSpace(p.Name) == "" {
		return Fail(model.CodeMalformedMutation, "item code and name are required")
	}
	if p.Cost.Valid && p.Cost.Decimal.IsNegative() {
		return Fail(model.CodeMalformedMutation, "item cost is negative")
	}
	return nil
}

// ItemPlacement checks that an item may be placed in (or taken out of) loc.
// holder is the open report locking loc, if any. The auditor who owns a
// draft report may still move items inside that report's scope.
func ItemPlacement(loc *model.Location, holder *model.AuditReport, auditorID int64) error {
	if loc == nil {
		return Fail(model.CodeLocationNotFound, "location not found")
	}
	if holder == nil {
		return nil
	}
	if holder.AuditorID == auditorID && holder.State == model.ReportDraft {
		return nil
	}
	return Fail(model.CodeLocationLocked, "location %s is locked by audit report %d", loc.Path, holder.ID)
}

// QRCreate checks a new QR code token.
func QRCreate(p model.QRCodePayload) error {
	if strings.TrimSpace(p.Token) == "" {
		return Fail(model.CodeMalformedMutation, "qr token is required")
	}
	return nil
}

// QRBind checks binding qr to itemID. tagged is the QR code currently
// assigned to the item, if any. Binding is a one-way ratchet: an assigned code
// only accepts the item it already holds.
func QRBind(qr *model.QRCode, itemID int64, tagged *model.QRCode) error {
	if qr == nil {
		return Fail(model.CodeQRNotFound, "qr code not found")
	}
	if qr.State == model.QRRetired {
		return Fail(model.CodeQRRetired, "qr code %s is retired", qr.Token)
	}
	if qr.State == model.QRAssigned && (qr.InventoryItemID == nil || *qr.InventoryItemID != itemID) {
		return Fail(model.CodeQRAlreadyAssigned, "qr code %s is assigned to another item", qr.Token)
	}
	if tagged != nil && tagged.ID != qr.ID {
		return Fail(model.CodeItemAlreadyTagged, "item %d already carries qr code %s", itemID, tagged.Token)
	}
	return nil
}

// QRRebind checks the administrative rebind, which may move an assigned code
// to a different item but never revives a retired one.
func QRRebind(qr *model.QRCode, itemID int64, tagged *model.QRCode) error {
	if qr == nil {
		return Fail(model.CodeQRNotFound, "qr code not found")
	}
	if qr.State == model.QRRetired {
		return Fail(model.CodeQRRetired, "qr code %s is retired", qr.Token)
	}
	if tagged != nil && tagged.ID != qr.ID {
		return Fail(model.CodeItemAlreadyTagged, "item %d already carries qr code %s", itemID, tagged.Token)
	}
	return nil
}

// ReportCreate checks opening an audit at loc. holder is any open report on
// loc, its ancestors or its descendants.
func ReportCreate(loc *model.Location, holder *model.AuditReport) error {
	if loc == nil {
		return Fail(model.CodeLocationNotFound, "location not found")
	}
	if holder != nil {
		return Fail(model.CodeLocationLocked, "location %s is locked by audit report %d", loc.Path, holder.ID)
	}
	return nil
}

// Actor is who is asking for a change.
type Actor struct {
	AuditorID int64
	Role      string
}

// ReportTransition checks a workflow event on r and returns the resulting
// state and effects.
func ReportTransition(r *model.AuditReport, ev workflow.Event, findings int, actor Actor) (string, workflow.Effect, error) {
	if r == nil {
		return "", workflow.Effect{}, Fail(model.CodeAuditNotFound, "audit report not found")
	}
	if workflow.RequiresReviewer(ev) {
		if !model.RoleAtLeast(actor.Role, model.RoleReviewer) {
			return "", workflow.Effect{}, Fail(model.CodeForbidden, "%s requires reviewer role", ev)
		}
	} else if r.AuditorID != actor.AuditorID && !model.RoleAtLeast(actor.Role, model.RoleAdmin) {
		return "", workflow.Effect{}, Fail(model.CodeForbidden, "report %d belongs to another auditor", r.ID)
	}

	state, eff, err := workflow.Transition(r.State, ev, findings)
	if err != nil {
		var te *workflow.TransitionError
		if errors.As(err, &te) {
			return "", workflow.Effect{}, Fail(te.Code, "%v", te)
		}
		return "", workflow.Effect{}, err
	}
	return state, eff, nil
}

// Finding checks a finding against its report and the item's location.
func Finding(report *model.AuditReport, reportLoc, itemLoc *model.Location, p model.FindingPayload) error {
	if report == nil {
		return Fail(model.CodeAuditNotFound, "audit report %d not found", p.ReportID)
	}
	if !workflow.FindingsEditable(report.State) {
		if report.State == model.ReportRejected {
			return Fail(model.CodeAuditNotDraft, "audit report %d must be reopened first", report.ID)
		}
		return Fail(model.CodeAuditAlreadySubmitted, "audit report %d is %s", report.ID, report.State)
	}
	if itemLoc == nil {
		return Fail(model.CodeItemNotFound, "item %d not found", p.ItemID)
	}
	if reportLoc == nil || !pathtree.IsWithin(itemLoc.Path, reportLoc.Path) {
		return Fail(model.CodeItemOutOfScope, "item %d is outside the audited location", p.ItemID)
	}
	if !model.ValidFindingStatus(p.Status) {
		return Fail(model.CodeInvalidStatus, "unknown finding status %q", p.Status)
	}
	if !model.ValidCondition(p.Condition) {
		return Fail(model.CodeInvalidCondition, "unknown condition %q", p.Condition)
	}
	if p.Latitude != nil && (*p.Latitude < -90 || *p.Latitude > 90) {
		return Fail(model.CodeMalformedMutation, "latitude out of range")
	}
	if p.Longitude != nil && (*p.Longitude < -180 || *p.Longitude > 180) {
		return Fail(model.CodeMalformedMutation, "longitude out of range")
	}
	if p.Accuracy != nil && *p.Accuracy < 0 {
		return Fail(model.CodeMalformedMutation, "accuracy is negative")
	}
	return nil
}
