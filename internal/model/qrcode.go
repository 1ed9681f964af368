package model

import "time"

// QRCode is a printed tag that can be bound to one inventory item.
type QRCode struct {
	ID              int64     `json:"id"`
	Token           string    `json:"token"`
	State           string    `json:"state"`
	InventoryItemID *int64    `json:"inventory_item_id,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// QR code states.
const (
	QRUnassigned = "unassigned"
	QRAssigned   = "assigned"
	QRRetired    = "retired"
)

// QRCodePayload creates a QR code from a scanned token.
type QRCodePayload struct {
	Token string `json:"token"`
}

// QRBindPayload binds a QR code to an inventory item.
type QRBindPayload struct {
	InventoryItemID int64 `json:"inventory_item_id"`
}
