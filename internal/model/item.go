package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryItem is an individually tracked physical asset.
type InventoryItem struct {
	ID           int64               `json:"id"`
	Code         string              `json:"code"`
	Name         string              `json:"name"`
	LocationID   int64               `json:"location_id"`
	DepartmentID *int64              `json:"department_id,omitempty"`
	CategoryID   *int64              `json:"category_id,omitempty"`
	CustomFields map[string]string   `json:"custom_fields,omitempty"`
	Cost         decimal.NullDecimal `json:"cost"`
	BookValue    decimal.NullDecimal `json:"book_value"`
	PurchaseDate *time.Time          `json:"purchase_date,omitempty"`
	Version      int64               `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ItemPayload is the mutable part of an inventory item sent by devices.
type ItemPayload struct {
	Code         string              `json:"code"`
	Name         string              `json:"name"`
	LocationID   int64               `json:"location_id"`
	DepartmentID *int64              `json:"department_id,omitempty"`
	CategoryID   *int64              `json:"category_id,omitempty"`
	CustomFields map[string]string   `json:"custom_fields,omitempty"`
	Cost         decimal.NullDecimal `json:"cost"`
	BookValue    decimal.NullDecimal `json:"book_value"`
	PurchaseDate *time.Time          `json:"purchase_date,omitempty"`
}

// ItemMove records an item changing location.
type ItemMove struct {
	ID             int64     `json:"id"`
	ItemID         int64     `json:"item_id"`
	FromLocationID int64     `json:"from_location_id"`
	ToLocationID   int64     `json:"to_location_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	MovedAt        time.Time `json:"moved_at"`

	// Joined fields (not always populated).
	FromPath string `json:"from_path,omitempty"`
	ToPath   string `json:"to_path,omitempty"`
}
