package model

import "time"

// MaxLocationDepth is the deepest level of the location hierarchy (roots are 0).
const MaxLocationDepth = 4

// Location is a node in the location hierarchy. Path is the dot-separated
// chain of ancestor codes ending in Code; it is always derived server side.
type Location struct {
	ID             int64     `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Depth          int       `json:"depth"`
	LevelLabel     string    `json:"level_label,omitempty"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	LockedByReport *int64    `json:"locked_by_report,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LocationPayload is the mutable part of a location sent by devices.
type LocationPayload struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	LevelLabel string `json:"level_label,omitempty"`
	ParentID   *int64 `json:"parent_id,omitempty"`
}
