package model

import "encoding/json"

// EntityType names a syncable entity kind.
type EntityType string

// Syncable entity types.
const (
	EntityLocation EntityType = "location"
	EntityItem     EntityType = "inventory_item"
	EntityQRCode   EntityType = "qr_code"
	EntityReport   EntityType = "audit_report"
	EntityFinding  EntityType = "audit_finding"
)

// EntityTypes lists every syncable entity type in dependency order: an entity
// only references types that appear before it.
var EntityTypes = []EntityType{EntityLocation, EntityItem, EntityQRCode, EntityReport, EntityFinding}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Operation is what a mutation does to its entity.
type Operation string

// Mutation operations. Create and Update apply to every entity type; the
// rest are entity specific.
const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpBind    Operation = "bind"
	OpSubmit  Operation = "submit"
	OpApprove Operation = "approve"
	OpReject  Operation = "reject"
	OpReopen  Operation = "reopen"
)

// Mutation is one pending create/update sent by a device. Temporary ids are
// negative; server ids are positive.
type Mutation struct {
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     EntityType      `json:"entity_type"`
	Operation      Operation       `json:"operation"`
	EntityID       int64           `json:"entity_id,omitempty"`
	TemporaryID    int64           `json:"temporary_id,omitempty"`
	BaseVersion    int64           `json:"base_version,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// IsTemporaryID reports whether id belongs to the client-side id space.
func IsTemporaryID(id int64) bool { return id < 0 }

// OutcomeStatus is the per-record result of applying a mutation.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeAccepted OutcomeStatus = "ACCEPTED"
	OutcomeConflict OutcomeStatus = "CONFLICT"
	OutcomeRejected OutcomeStatus = "REJECTED"
)

// Outcome answers one Mutation, in the same position of the batch.
type Outcome struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Status         OutcomeStatus   `json:"status"`
	EntityType     EntityType      `json:"entity_type,omitempty"`
	TemporaryID    int64           `json:"temporary_id,omitempty"`
	PermanentID    int64           `json:"permanent_id,omitempty"`
	ErrorCode      ErrorCode       `json:"error_code,omitempty"`
	Message        string          `json:"message,omitempty"`
	ServerVersion  int64           `json:"server_version,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// PushRequest is an ordered batch of mutations from one device.
type PushRequest struct {
	DeviceID  string     `json:"device_id"`
	Mutations []Mutation `json:"mutations"`
}

// PushResponse holds one outcome per mutation, same order.
type PushResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// ChangeOp is the kind of change reported by a pull.
type ChangeOp string

// Change operations.
const (
	ChangeCreated ChangeOp = "created"
	ChangeUpdated ChangeOp = "updated"
	ChangeDeleted ChangeOp = "deleted"
)

// Change is one entity's latest state within a pull window. Payload is empty
// for deletions.
type Change struct {
	Seq      int64           `json:"seq"`
	Op       ChangeOp        `json:"op"`
	EntityID int64           `json:"entity_id"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PullRequest asks for changes after each per-type cursor.
type PullRequest struct {
	DeviceID string               `json:"device_id"`
	Cursors  map[EntityType]int64 `json:"cursors"`
	Limit    int                  `json:"limit,omitempty"`
}

// PullResponse carries changes per entity type and the new cursors, all taken
// from one snapshot.
type PullResponse struct {
	Changes map[EntityType][]Change `json:"changes"`
	Cursors map[EntityType]int64    `json:"cursors"`
	HasMore map[EntityType]bool     `json:"has_more,omitempty"`
}
